package turn

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/luoxiaohei/rolechat/internal/analysis/sensitive"
	"github.com/luoxiaohei/rolechat/internal/model/chat"
	sessionModel "github.com/luoxiaohei/rolechat/internal/model/session"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/rag"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
)

// 用户强制检索前缀，命中时跳过自主函数调用通道。
const forcePrefix = "查询:"

// 面向用户的失败话术，内部错误细节只进日志。
const (
	msgEmptyMessage   = "消息不能为空"
	msgSessionMissing = "会话不存在或已结束"
	msgBlocked        = "很抱歉，这个话题超出了我可以讨论的范围。"
	msgGenerateFailed = "生成回复时出现问题，请稍后再试"
	msgEmptyReply     = "模型没有返回内容，请稍后再试"
)

// Classifier 做回合前的内容分类。
type Classifier interface {
	Classify(ctx context.Context, text string) sensitive.Result
}

// Selector 为消息挑选应答角色，history 是本条消息之前的上下文窗口。
type Selector interface {
	Select(ctx context.Context, sessionID, message string, history []chat.ContextMessage, bindings []sessionModel.PersonaBinding) (sessionModel.PersonaBinding, error)
}

// KnowledgeSource 查询知识库。nil 表示检索不可用。
type KnowledgeSource interface {
	Retrieve(ctx context.Context, query string, filters rag.Filters) (string, bool, error)
}

// Request 是一次回合请求。
type Request struct {
	SessionID    string
	Message      string
	UserID       string
	UserName     string
	ShowThinking bool
}

// Result 是非流式回合的聚合结果。
type Result struct {
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
	Content  string `json:"content"`
	Emotion  string `json:"emotion,omitempty"`
	Action   string `json:"action,omitempty"`
	Model    string `json:"model"`
}

// Orchestrator 驱动一个完整回合：分类、选角、记忆、生成、归一化、事件下发。
type Orchestrator struct {
	sessions  *sessionService.Service
	selector  Selector
	filter    Classifier
	memory    *memory.Service
	backend   llm.Backend
	retriever KnowledgeSource

	contextLimit int
}

// NewOrchestrator 组装回合编排器。retriever 可以为 nil。
func NewOrchestrator(
	sessions *sessionService.Service,
	sel Selector,
	filter Classifier,
	mem *memory.Service,
	backend llm.Backend,
	retriever KnowledgeSource,
	contextLimit int,
) *Orchestrator {
	if contextLimit <= 0 {
		contextLimit = 40
	}
	return &Orchestrator{
		sessions:     sessions,
		selector:     sel,
		filter:       filter,
		memory:       mem,
		backend:      backend,
		retriever:    retriever,
		contextLimit: contextLimit,
	}
}

// Run 执行一个流式回合，事件经 sink 下发。
// 业务失败走错误帧收尾，返回值只反映事件下发通道本身的故障。
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Emitter) error {
	mux := NewMux(sink)
	requestID := uuid.NewString()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return mux.Fail(msgEmptyMessage)
	}

	// 分类先于一切后端调用，block 在此短路。
	classification := o.filter.Classify(ctx, message)
	if classification.Action == sensitive.ActionBlock {
		log.Printf("[turn] blocked message session=%s code=%s reason=%s",
			req.SessionID, classification.Code, classification.Reason)
		return mux.Fail(msgBlocked)
	}

	sess, err := o.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return mux.Fail(msgSessionMissing)
	}

	// 上下文在本条消息落记忆之前取出：选角参考最近几轮对话，
	// 生成时复用同一份窗口，本条消息单独作为 Message 注入。
	history := o.memory.BuildContext(ctx, req.SessionID, o.contextLimit)

	binding, err := o.selector.Select(ctx, req.SessionID, message, history, sess.Personas)
	if err != nil {
		log.Printf("[turn] select persona failed session=%s: %v", req.SessionID, err)
		return mux.Fail(msgSessionMissing)
	}
	if err := mux.RoleSelected(binding.PersonaID, binding.PersonaName); err != nil {
		return err
	}
	if req.ShowThinking {
		if err := mux.Thinking("正在思考如何回应……"); err != nil {
			return err
		}
	}

	userID := req.UserID
	if userID == "" {
		userID = sess.UserID
	}
	userName := req.UserName
	if userName == "" {
		userName = sess.UserName
	}

	// 用户消息先落记忆，生成失败也保留提问记录。
	userAttr := chat.Attribution{UserID: userID, UserName: userName}
	if err := o.memory.Append(ctx, req.SessionID, chat.RoleUser, message, userAttr); err != nil {
		log.Printf("[turn] append user message failed session=%s: %v", req.SessionID, err)
	}

	// 用户强制检索优先于模型自主调用，命中后不再开放函数通道。
	forced := false
	knowledge := ""
	if query, ok := strings.CutPrefix(message, forcePrefix); ok && o.retriever != nil {
		forced = true
		query = strings.TrimSpace(query)
		if err := mux.FunctionCall(FuncTriggerRAG, map[string]any{"query": query}); err != nil {
			return err
		}
		text, found, retrErr := o.retriever.Retrieve(ctx, query, rag.Filters{})
		if retrErr != nil {
			log.Printf("[turn] forced retrieval failed session=%s: %v", req.SessionID, retrErr)
		}
		if err := mux.FunctionResult(FuncTriggerRAG, found); err != nil {
			return err
		}
		knowledge = text
	}

	caps := o.backend.Capabilities()
	var funcs []llm.FunctionSpec
	if caps.SupportsFunctions && !forced && o.retriever != nil {
		funcs = Specs()
	}

	genReq := llm.Request{
		System:      buildInstructions(binding, classification, knowledge),
		History:     history,
		Message:     message,
		Temperature: binding.Temperature,
		Functions:   funcs,
	}

	norm, call, genErr := o.streamOnce(ctx, mux, genReq, requestID)

	// 检索完成后的重启流与后续写入不再受客户端断连影响。
	detached := context.WithoutCancel(ctx)

	if genErr == nil && call != nil {
		if err := mux.FunctionCall(call.Name, call.Arguments); err != nil {
			return err
		}
		knowledge, classification = o.executeCall(detached, mux, req.SessionID, call, classification)

		restartReq := genReq
		restartReq.System = buildInstructions(binding, classification, knowledge)
		restartReq.Functions = nil

		var secondCall *FunctionCall
		norm, secondCall, genErr = o.streamOnce(detached, mux, restartReq, requestID)
		if genErr == nil && secondCall != nil {
			log.Printf("[turn] second function call %q rejected session=%s", secondCall.Name, req.SessionID)
			genErr = errors.New("function call budget exceeded")
		}
	}

	if genErr != nil {
		log.Printf("[turn] generation failed session=%s request=%s: %v", req.SessionID, requestID, genErr)
		o.memory.DropPending(detached, requestID)
		return mux.Fail(msgGenerateFailed)
	}

	text := strings.TrimSpace(norm.Text())
	if text == "" {
		o.memory.DropPending(detached, requestID)
		return mux.Fail(msgEmptyReply)
	}

	assistantAttr := chat.Attribution{
		UserID:   userID,
		UserName: userName,
		RoleID:   binding.PersonaID,
		RoleName: binding.PersonaName,
		Emotion:  norm.Emotion(),
		Action:   norm.Action(),
	}
	if err := o.memory.Append(detached, req.SessionID, chat.RoleAssistant, norm.Text(), assistantAttr); err != nil {
		log.Printf("[turn] append assistant message failed session=%s: %v", req.SessionID, err)
	}
	o.memory.DropPending(detached, requestID)

	return mux.Complete()
}

// RunOnce 执行非流式回合，聚合为单个结果返回。
func (o *Orchestrator) RunOnce(ctx context.Context, req Request) (Result, error) {
	capture := &captureEmitter{}
	if err := o.Run(ctx, req, capture); err != nil {
		return Result{}, err
	}
	if capture.errMsg != "" {
		return Result{}, errors.New(capture.errMsg)
	}
	return Result{
		RoleID:   capture.roleID,
		RoleName: capture.roleName,
		Content:  capture.content,
		Emotion:  capture.emotion,
		Action:   capture.action,
		Model:    o.backend.Capabilities().Model,
	}, nil
}

// streamOnce 打开一次生成流并消费到结束或出现函数调用。
func (o *Orchestrator) streamOnce(ctx context.Context, mux *Mux, req llm.Request, requestID string) (*Normalizer, *FunctionCall, error) {
	stream, err := o.backend.GenerateStream(ctx, req)
	if err != nil {
		return NewNormalizer(o.backend.Capabilities().Emission), nil, err
	}
	defer stream.Close()

	norm := NewNormalizer(o.backend.Capabilities().Emission)
	for {
		msg, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return norm, nil, recvErr
		}

		update := norm.Feed(msg)
		if update.Call != nil {
			return norm, update.Call, nil
		}
		if err := o.emitUpdate(ctx, mux, update, requestID); err != nil {
			return norm, nil, err
		}
	}

	final, finishErr := norm.Finish()
	if finishErr != nil {
		return norm, nil, finishErr
	}
	if final.Call != nil {
		return norm, final.Call, nil
	}
	if err := o.emitUpdate(ctx, mux, final, requestID); err != nil {
		return norm, nil, err
	}
	return norm, nil, nil
}

func (o *Orchestrator) emitUpdate(ctx context.Context, mux *Mux, update Update, requestID string) error {
	if update.EmotionChanged {
		if err := mux.Emotion(update.Emotion); err != nil {
			return err
		}
	}
	if update.ActionChanged {
		if err := mux.Action(update.Action); err != nil {
			return err
		}
	}
	if update.TextChanged {
		if err := mux.Content(update.Text); err != nil {
			return err
		}
		o.memory.SavePending(ctx, requestID, update.Text)
	}
	return nil
}

// executeCall 执行一个模型发起的函数调用。
// 未知或残缺的调用记日志后按未命中处理，回合照常重启。
func (o *Orchestrator) executeCall(
	ctx context.Context,
	mux *Mux,
	sessionID string,
	call *FunctionCall,
	classification sensitive.Result,
) (string, sensitive.Result) {
	switch call.Name {
	case FuncTriggerRAG:
		query := strings.TrimSpace(call.StringArg("query"))
		if query == "" || o.retriever == nil {
			log.Printf("[turn] trigger_rag without usable query session=%s", sessionID)
			mux.FunctionResult(call.Name, false)
			return "", classification
		}
		filters := rag.Filters{
			Character: call.StringArg("character"),
			Event:     call.StringArg("event"),
			Faction:   call.StringArg("faction"),
		}
		text, found, err := o.retriever.Retrieve(ctx, query, filters)
		if err != nil {
			log.Printf("[turn] retrieval failed session=%s query=%q: %v", sessionID, query, err)
		}
		mux.FunctionResult(call.Name, found)
		return text, classification

	case FuncClassifyContent:
		text := call.StringArg("text")
		if text == "" {
			log.Printf("[turn] classify_content without text session=%s", sessionID)
			mux.FunctionResult(call.Name, false)
			return "", classification
		}
		result := sensitive.Classify(text)
		mux.FunctionResult(call.Name, true)
		// 只取更严格的结论。
		if result.Action != sensitive.ActionApprove {
			return "", result
		}
		return "", classification

	default:
		log.Printf("[turn] unknown function call %q session=%s", call.Name, sessionID)
		mux.FunctionResult(call.Name, false)
		return "", classification
	}
}

// captureEmitter 聚合事件帧，供非流式路径复用同一套回合流程。
type captureEmitter struct {
	roleID   string
	roleName string
	content  string
	emotion  string
	action   string
	errMsg   string
}

func (c *captureEmitter) Emit(e Event) error {
	switch e.Event {
	case EventRoleSelected:
		c.roleID = e.RoleID
		c.roleName = e.RoleName
	case EventEmotion:
		c.emotion = e.Emotion
	case EventAction:
		c.action = e.Action
	case EventError:
		c.errMsg = e.Error
	case "":
		c.content = e.Content
	}
	return nil
}
