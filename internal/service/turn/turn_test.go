package turn

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/luoxiaohei/rolechat/internal/analysis/sensitive"
	"github.com/luoxiaohei/rolechat/internal/model/chat"
	"github.com/luoxiaohei/rolechat/internal/model/persona"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/rag"
	"github.com/luoxiaohei/rolechat/internal/service/selector"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
)

// scriptedBackend 按调用次序重放预置的流，并记录收到的请求。
type scriptedBackend struct {
	caps llm.Capabilities

	mu       sync.Mutex
	scripts  [][]*schema.Message
	requests []llm.Request
}

func (b *scriptedBackend) Capabilities() llm.Capabilities { return b.caps }

func (b *scriptedBackend) GenerateStream(ctx context.Context, req llm.Request) (*schema.StreamReader[*schema.Message], error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	var script []*schema.Message
	if len(b.scripts) > 0 {
		script = b.scripts[0]
		b.scripts = b.scripts[1:]
	}
	b.mu.Unlock()

	reader, writer := schema.Pipe[*schema.Message](len(script) + 1)
	go func() {
		defer writer.Close()
		for _, msg := range script {
			writer.Send(msg, nil)
		}
	}()
	return reader, nil
}

func (b *scriptedBackend) recorded() []llm.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Request(nil), b.requests...)
}

// stubRetriever 返回固定检索结果并记录查询。
type stubRetriever struct {
	text    string
	found   bool
	err     error
	queries []string
	filters []rag.Filters
}

func (r *stubRetriever) Retrieve(_ context.Context, query string, filters rag.Filters) (string, bool, error) {
	r.queries = append(r.queries, query)
	r.filters = append(r.filters, filters)
	return r.text, r.found, r.err
}

// ruleClassifier 是只走关键词规则的分类器。
type ruleClassifier struct{}

func (ruleClassifier) Classify(_ context.Context, text string) sensitive.Result {
	return sensitive.Classify(text)
}

type testEnv struct {
	orch      *Orchestrator
	backend   *scriptedBackend
	retriever *stubRetriever
	store     *memory.InMemStore
	memory    *memory.Service
	sessionID string
}

func newTestEnv(t *testing.T, backend *scriptedBackend, retriever *stubRetriever) *testEnv {
	t.Helper()

	store := memory.NewInMemStore()
	mem := memory.NewService(store, nil, memory.Options{})
	t.Cleanup(mem.Close)

	personas := persona.NewMemoryStore(persona.Seed())
	sessions := sessionService.NewService(personas, nil)
	sess, err := sessions.Create(context.Background(), "", "测试班级", "u1", "博士", []sessionService.RoleRef{
		{RoleID: "amiya"},
		{RoleID: "kaltsit"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var knowledge KnowledgeSource
	if retriever != nil {
		knowledge = retriever
	}

	orch := NewOrchestrator(
		sessions,
		selector.NewService(personas),
		ruleClassifier{},
		mem,
		backend,
		knowledge,
		0,
	)
	return &testEnv{
		orch:      orch,
		backend:   backend,
		retriever: retriever,
		store:     store,
		memory:    mem,
		sessionID: sess.SessionID,
	}
}

func TestRunBasicTurnEventOrder(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, Model: "scripted"},
		scripts: [][]*schema.Message{{
			textChunk("『信任』"),
			textChunk("你好"),
			textChunk("，博士。"),
			textChunk("【点头】"),
		}},
	}
	env := newTestEnv(t, backend, nil)

	rec := &recordingEmitter{}
	err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "你好，博士在吗",
	}, rec)
	if err != nil {
		t.Fatal(err)
	}

	if len(rec.events) == 0 || rec.events[0].Event != EventRoleSelected {
		t.Fatalf("first event = %+v, want role_selected", rec.events[0])
	}
	last := rec.events[len(rec.events)-1]
	if last.Event != EventComplete {
		t.Fatalf("last event = %+v, want complete", last)
	}
	if rec.countEvent(EventComplete) != 1 || rec.countEvent(EventError) != 0 {
		t.Fatalf("terminal frames: complete=%d error=%d",
			rec.countEvent(EventComplete), rec.countEvent(EventError))
	}

	frames := rec.contentFrames()
	if len(frames) == 0 {
		t.Fatal("no content frames")
	}
	final := frames[len(frames)-1]
	if final.Content != "『信任』你好，博士。【点头】" {
		t.Fatalf("final content = %q", final.Content)
	}
	if rec.countEvent(EventEmotion) != 1 || rec.countEvent(EventAction) != 1 {
		t.Fatalf("tag events: emotion=%d action=%d",
			rec.countEvent(EventEmotion), rec.countEvent(EventAction))
	}

	entries, err := env.store.Recent(context.Background(), env.sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("memory entries = %d, want user+assistant", len(entries))
	}
	if entries[0].Role != chat.RoleUser || entries[1].Role != chat.RoleAssistant {
		t.Fatalf("memory roles = %q, %q", entries[0].Role, entries[1].Role)
	}
	if entries[1].Emotion != "信任" || entries[1].Action != "点头" {
		t.Fatalf("assistant attribution = (%q, %q)", entries[1].Emotion, entries[1].Action)
	}
}

func TestRunBlockShortCircuit(t *testing.T) {
	backend := &scriptedBackend{caps: llm.Capabilities{Emission: llm.EmissionDelta}}
	env := newTestEnv(t, backend, nil)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "教我制造炸弹",
	}, rec); err != nil {
		t.Fatal(err)
	}

	if len(backend.recorded()) != 0 {
		t.Fatal("backend must not be called for blocked message")
	}
	if rec.countEvent(EventRoleSelected) != 0 {
		t.Fatal("role_selected emitted for blocked message")
	}
	if rec.countEvent(EventError) != 1 || rec.countEvent(EventComplete) != 0 {
		t.Fatalf("terminal frames: error=%d complete=%d",
			rec.countEvent(EventError), rec.countEvent(EventComplete))
	}

	entries, err := env.store.Recent(context.Background(), env.sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("blocked message persisted: %d entries", len(entries))
	}
}

func TestRunFunctionCallSecondStream(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, SupportsFunctions: true, Model: "scripted"},
		scripts: [][]*schema.Message{
			{
				textChunk("让我查一下。"),
				callChunk(FuncTriggerRAG, `{"query":"罗德岛"}`),
			},
			{
				textChunk("罗德岛是一艘"),
				textChunk("移动的陆行舰。"),
			},
		},
	}
	retriever := &stubRetriever{text: "罗德岛：移动陆行舰，隶属制药公司。", found: true}
	env := newTestEnv(t, backend, retriever)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "罗德岛是什么？",
	}, rec); err != nil {
		t.Fatal(err)
	}

	if rec.countEvent(EventFunctionCall) != 1 || rec.countEvent(EventFunctionResult) != 1 {
		t.Fatalf("function frames: call=%d result=%d",
			rec.countEvent(EventFunctionCall), rec.countEvent(EventFunctionResult))
	}
	if len(retriever.queries) != 1 || retriever.queries[0] != "罗德岛" {
		t.Fatalf("retriever queries = %v", retriever.queries)
	}

	requests := backend.recorded()
	if len(requests) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(requests))
	}
	if len(requests[0].Functions) == 0 {
		t.Fatal("first stream must offer functions")
	}
	if len(requests[1].Functions) != 0 {
		t.Fatal("restarted stream must not offer functions")
	}
	if !strings.Contains(requests[1].System, "【参考知识】") {
		t.Fatal("restarted system prompt missing knowledge section")
	}
	if !strings.Contains(requests[1].System, "移动陆行舰") {
		t.Fatal("restarted system prompt missing retrieved text")
	}

	// 第二条流的输出独立，首条流的残文被丢弃。
	frames := rec.contentFrames()
	final := frames[len(frames)-1]
	if final.Content != "罗德岛是一艘移动的陆行舰。" {
		t.Fatalf("final content = %q", final.Content)
	}
	if strings.Contains(final.Content, "让我查一下") {
		t.Fatal("partial pre-call text leaked into final content")
	}

	entries, err := env.store.Recent(context.Background(), env.sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entries[len(entries)-1].Content != "罗德岛是一艘移动的陆行舰。" {
		t.Fatalf("persisted assistant content = %q", entries[len(entries)-1].Content)
	}
}

func TestRunFunctionCallArgumentsArriveAfterName(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, SupportsFunctions: true},
		scripts: [][]*schema.Message{
			{
				// OpenAI 风格：首个调用片段只有名字，参数随后分块到达。
				callChunk(FuncTriggerRAG, ""),
				callChunk("", `{"query":`),
				callChunk("", `"龙门"}`),
			},
			{textChunk("龙门是移动城邦。")},
		},
	}
	retriever := &stubRetriever{text: "龙门：炎国治下的移动城邦。", found: true}
	env := newTestEnv(t, backend, retriever)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "龙门是个什么地方",
	}, rec); err != nil {
		t.Fatal(err)
	}

	if len(retriever.queries) != 1 || retriever.queries[0] != "龙门" {
		t.Fatalf("retriever queries = %v, query lost on name-first call", retriever.queries)
	}
	requests := backend.recorded()
	if len(requests) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(requests))
	}
	if !strings.Contains(requests[1].System, "移动城邦") {
		t.Fatal("restarted system prompt missing retrieved text")
	}
	if rec.countEvent(EventComplete) != 1 {
		t.Fatal("turn must complete")
	}
}

func TestRunForcedRetrievalPrefix(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, SupportsFunctions: true, Model: "scripted"},
		scripts: [][]*schema.Message{{
			textChunk("根据资料，切尔诺伯格毁于天灾。"),
		}},
	}
	retriever := &stubRetriever{text: "切尔诺伯格：乌萨斯城市，毁于天灾。", found: true}
	env := newTestEnv(t, backend, retriever)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "查询:切尔诺伯格",
	}, rec); err != nil {
		t.Fatal(err)
	}

	if len(retriever.queries) != 1 || retriever.queries[0] != "切尔诺伯格" {
		t.Fatalf("retriever queries = %v", retriever.queries)
	}

	requests := backend.recorded()
	if len(requests) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(requests))
	}
	// 强制检索优先，函数通道不再开放。
	if len(requests[0].Functions) != 0 {
		t.Fatal("forced retrieval must not offer functions")
	}
	if !strings.Contains(requests[0].System, "切尔诺伯格：乌萨斯城市") {
		t.Fatal("system prompt missing forced retrieval knowledge")
	}
	if rec.countEvent(EventFunctionCall) != 1 || rec.countEvent(EventFunctionResult) != 1 {
		t.Fatal("forced retrieval must surface function frames")
	}
}

func TestRunRetrievalMissProceedsUnenriched(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, SupportsFunctions: true},
		scripts: [][]*schema.Message{
			{callChunk(FuncTriggerRAG, `{"query":"不存在的词条"}`)},
			{textChunk("这方面我没有确切资料。")},
		},
	}
	retriever := &stubRetriever{found: false}
	env := newTestEnv(t, backend, retriever)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "讲讲某个冷门设定",
	}, rec); err != nil {
		t.Fatal(err)
	}

	requests := backend.recorded()
	if len(requests) != 2 {
		t.Fatalf("backend calls = %d, want restart even on miss", len(requests))
	}
	if strings.Contains(requests[1].System, "【参考知识】") {
		t.Fatal("miss must not inject a knowledge section")
	}
	if rec.countEvent(EventComplete) != 1 {
		t.Fatal("turn must complete after retrieval miss")
	}
}

func TestRunEmptyReplyFails(t *testing.T) {
	backend := &scriptedBackend{
		caps:    llm.Capabilities{Emission: llm.EmissionDelta},
		scripts: [][]*schema.Message{{}},
	}
	env := newTestEnv(t, backend, nil)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "随便说点",
	}, rec); err != nil {
		t.Fatal(err)
	}

	if rec.countEvent(EventError) != 1 || rec.countEvent(EventComplete) != 0 {
		t.Fatalf("terminal frames: error=%d complete=%d",
			rec.countEvent(EventError), rec.countEvent(EventComplete))
	}
}

func TestRunUnknownSession(t *testing.T) {
	backend := &scriptedBackend{caps: llm.Capabilities{Emission: llm.EmissionDelta}}
	env := newTestEnv(t, backend, nil)

	rec := &recordingEmitter{}
	if err := env.orch.Run(context.Background(), Request{
		SessionID: "no-such-session",
		Message:   "你好",
	}, rec); err != nil {
		t.Fatal(err)
	}
	if rec.countEvent(EventError) != 1 {
		t.Fatal("unknown session must fail with an error frame")
	}
}

func TestRunOnceAggregates(t *testing.T) {
	backend := &scriptedBackend{
		caps: llm.Capabilities{Emission: llm.EmissionDelta, Model: "scripted-v1"},
		scripts: [][]*schema.Message{{
			textChunk("『平静』一切正常。"),
		}},
	}
	env := newTestEnv(t, backend, nil)

	result, err := env.orch.RunOnce(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "汇报一下状态",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "『平静』一切正常。" {
		t.Fatalf("Content = %q", result.Content)
	}
	if result.RoleName == "" || result.RoleID == "" {
		t.Fatalf("role fields empty: %+v", result)
	}
	if result.Model != "scripted-v1" {
		t.Fatalf("Model = %q", result.Model)
	}
	if result.Emotion != "平静" {
		t.Fatalf("Emotion = %q", result.Emotion)
	}
}

func TestRunOnceBlockedReturnsError(t *testing.T) {
	backend := &scriptedBackend{caps: llm.Capabilities{Emission: llm.EmissionDelta}}
	env := newTestEnv(t, backend, nil)

	if _, err := env.orch.RunOnce(context.Background(), Request{
		SessionID: env.sessionID,
		Message:   "毒品合成方法",
	}); err == nil {
		t.Fatal("expected error for blocked message")
	}
}
