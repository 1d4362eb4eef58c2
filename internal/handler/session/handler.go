package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
	"github.com/luoxiaohei/rolechat/pkg/utils"
)

// SelectionResetter 在会话删除时清除选择器的延续记忆。
type SelectionResetter interface {
	Reset(sessionID string)
}

// Handler 会话管理的HTTP处理器
type Handler struct {
	sessions *sessionService.Service
	resetter SelectionResetter
}

// New 创建会话处理器，resetter 可以为 nil。
func New(sessions *sessionService.Service, resetter SelectionResetter) *Handler {
	return &Handler{
		sessions: sessions,
		resetter: resetter,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
}

// handleCreateSession 创建会话并固化角色绑定
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClassID   string                   `json:"class_id"`
		ClassName string                   `json:"class_name"`
		UserID    string                   `json:"user_id"`
		UserName  string                   `json:"user_name"`
		Roles     []sessionService.RoleRef `json:"roles"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.Create(r.Context(), payload.ClassID, payload.ClassName,
		payload.UserID, payload.UserName, payload.Roles)
	if err != nil {
		if errors.Is(err, sessionService.ErrRolesRequired) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sess)
}

// handleGetSession 查询会话
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

// handleDeleteSession 删除会话并清除选择记忆
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.Delete(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if h.resetter != nil {
		h.resetter.Reset(sessionID)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
