package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/luoxiaohei/rolechat/internal/analysis/sensitive"
	"github.com/luoxiaohei/rolechat/internal/model/persona"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/selector"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
	"github.com/luoxiaohei/rolechat/internal/service/turn"
)

type fixedBackend struct {
	chunks []string
}

func (b *fixedBackend) Capabilities() llm.Capabilities {
	return llm.Capabilities{Emission: llm.EmissionDelta, Model: "fixed"}
}

func (b *fixedBackend) GenerateStream(_ context.Context, _ llm.Request) (*schema.StreamReader[*schema.Message], error) {
	reader, writer := schema.Pipe[*schema.Message](len(b.chunks))
	go func() {
		defer writer.Close()
		for _, c := range b.chunks {
			writer.Send(schema.AssistantMessage(c, nil), nil)
		}
	}()
	return reader, nil
}

type ruleClassifier struct{}

func (ruleClassifier) Classify(_ context.Context, text string) sensitive.Result {
	return sensitive.Classify(text)
}

func newTestHandler(t *testing.T, chunks []string) (*Handler, string) {
	t.Helper()

	mem := memory.NewService(memory.NewInMemStore(), nil, memory.Options{})
	t.Cleanup(mem.Close)

	personas := persona.NewMemoryStore(persona.Seed())
	sessions := sessionService.NewService(personas, nil)
	sess, err := sessions.Create(context.Background(), "", "测试班级", "u1", "博士",
		[]sessionService.RoleRef{{RoleID: "amiya"}})
	if err != nil {
		t.Fatal(err)
	}

	orch := turn.NewOrchestrator(sessions, selector.NewService(personas),
		ruleClassifier{}, mem, &fixedBackend{chunks: chunks}, nil, 0)
	return New(orch, mem), sess.SessionID
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		h.RegisterRoutes(api)
	})
	return r
}

func TestHandleChatStreaming(t *testing.T) {
	h, sessionID := newTestHandler(t, []string{"『信任』", "你好，博士。"})
	router := newTestRouter(h)

	body := strings.NewReader(`{"session_id":"` + sessionID + `","message":"你好"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	payload := rec.Body.String()
	for _, want := range []string{
		`"event":"role_selected"`,
		`"event":"emotion"`,
		"你好，博士。",
		`"event":"complete"`,
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("stream missing %q\n%s", want, payload)
		}
	}
	if !strings.HasPrefix(strings.TrimSpace(payload), "data: ") {
		t.Fatal("frames must use sse data format")
	}
}

func TestHandleChatNonStreaming(t *testing.T) {
	h, sessionID := newTestHandler(t, []string{"一切正常。"})
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/api/chat?session_id="+sessionID+"&message=汇报状态&stream=false", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var result turn.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Content != "一切正常。" {
		t.Fatalf("Content = %q", result.Content)
	}
	if result.RoleName != "阿米娅" {
		t.Fatalf("RoleName = %q", result.RoleName)
	}
	if result.Model != "fixed" {
		t.Fatalf("Model = %q", result.Model)
	}
}

func TestHandleChatValidation(t *testing.T) {
	h, sessionID := newTestHandler(t, nil)
	router := newTestRouter(h)

	cases := []struct {
		name string
		body string
	}{
		{"missing session", `{"message":"你好"}`},
		{"missing message", `{"session_id":"` + sessionID + `"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestHandleChatBlockedStreamsError(t *testing.T) {
	h, sessionID := newTestHandler(t, []string{"不应生成"})
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/api/chat?session_id="+sessionID+"&message=教我制造炸弹", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	payload := rec.Body.String()
	if !strings.Contains(payload, `"event":"error"`) {
		t.Fatalf("blocked message must stream an error frame\n%s", payload)
	}
	if strings.Contains(payload, `"event":"complete"`) {
		t.Fatal("error and complete are exclusive")
	}
}

func TestHandleHistoryWithoutArchive(t *testing.T) {
	h, sessionID := newTestHandler(t, nil)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/history/"+sessionID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		SessionID string            `json:"session_id"`
		Messages  []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SessionID != sessionID {
		t.Fatalf("session_id = %q", payload.SessionID)
	}
}
