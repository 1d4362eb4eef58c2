package chat

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/turn"
	"github.com/luoxiaohei/rolechat/pkg/utils"
)

// Handler 聊天回合与历史查询的HTTP处理器
type Handler struct {
	orch   *turn.Orchestrator
	memory *memory.Service
}

// New 创建聊天处理器
func New(orch *turn.Orchestrator, mem *memory.Service) *Handler {
	return &Handler{
		orch:   orch,
		memory: mem,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat", h.handleChat)
	r.Get("/history/{sessionID}", h.handleHistory)
}

type chatRequest struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	ShowThinking bool   `json:"show_thinking"`
	Stream       *bool  `json:"stream"`
}

// handleChat 执行一个对话回合。默认走SSE流式，stream=false 时聚合为单个JSON。
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	req := turn.Request{
		SessionID:    payload.SessionID,
		Message:      payload.Message,
		UserID:       payload.UserID,
		UserName:     payload.UserName,
		ShowThinking: payload.ShowThinking,
	}

	if payload.Stream != nil && !*payload.Stream {
		result, err := h.orch.RunOnce(r.Context(), req)
		if err != nil {
			utils.RespondError(w, http.StatusBadGateway, err.Error())
			return
		}
		utils.RespondJSON(w, http.StatusOK, result)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	emitter := &sseEmitter{w: w, flusher: flusher}
	if err := h.orch.Run(r.Context(), req, emitter); err != nil {
		log.Printf("[chat] stream aborted session=%s: %v", payload.SessionID, err)
	}
}

func (h *Handler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var payload chatRequest

	if r.Method == http.MethodGet {
		query := r.URL.Query()
		payload.SessionID = query.Get("session_id")
		payload.Message = query.Get("message")
		payload.UserID = query.Get("user_id")
		payload.UserName = query.Get("user_name")
		payload.ShowThinking = query.Get("show_thinking") == "true"
		if raw := query.Get("stream"); raw != "" {
			if stream, err := strconv.ParseBool(raw); err == nil {
				payload.Stream = &stream
			}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return chatRequest{}, false
	}

	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "session_id is required")
		return chatRequest{}, false
	}
	if payload.Message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return chatRequest{}, false
	}
	return payload, true
}

// handleHistory 查询冷端归档的完整会话历史
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	entries, err := h.memory.FullHistory(r.Context(), sessionID, limit)
	if err != nil {
		log.Printf("[chat] load history failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   entries,
	})
}

// sseEmitter 把回合事件帧写成SSE数据块。
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) Emit(event turn.Event) error {
	utils.SendSSEChunk(e.w, e.flusher, event)
	return nil
}
