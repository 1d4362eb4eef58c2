package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chatHandler "github.com/luoxiaohei/rolechat/internal/handler/chat"
	personaHandler "github.com/luoxiaohei/rolechat/internal/handler/persona"
	sessionHandler "github.com/luoxiaohei/rolechat/internal/handler/session"
	middlewarePkg "github.com/luoxiaohei/rolechat/internal/middleware"
	personaModel "github.com/luoxiaohei/rolechat/internal/model/persona"
	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/selector"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
	"github.com/luoxiaohei/rolechat/internal/service/turn"
	"github.com/luoxiaohei/rolechat/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
// orch 为 nil 时聊天端点返回 503，其余端点照常工作。
func NewRouter(
	personas personaModel.Store,
	sessions *sessionService.Service,
	sel *selector.Service,
	orch *turn.Orchestrator,
	mem *memory.Service,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		personaHandler.New(personas).RegisterRoutes(api)
		sessionHandler.New(sessions, sel).RegisterRoutes(api)

		if orch != nil {
			chatHandler.New(orch, mem).RegisterRoutes(api)
		} else {
			unavailable := func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "chat backend unavailable")
			}
			api.Post("/chat", unavailable)
			api.Get("/chat", unavailable)
			api.Get("/history/{sessionID}", unavailable)
		}
	})

	return r
}
