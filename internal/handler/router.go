package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/portfolio-chat/relay/internal/handler/chat"
	relayHandler "github.com/zhouzirui/portfolio-chat/relay/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/portfolio-chat/relay/internal/middleware"
	relayService "github.com/zhouzirui/portfolio-chat/relay/internal/service/relay"
	"github.com/zhouzirui/portfolio-chat/relay/pkg/utils"
)

// NewRouter wires HTTP routes to the relay engine.
func NewRouter(engine *relayService.Engine, opts relayHandler.Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins))

	relayHandler.NewWebSocketHandler(engine, opts).RegisterRoutes(r)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", engine.Metrics().Handler())

	r.Route("/api", func(api chi.Router) {
		chat.New(engine).RegisterRoutes(api)
	})

	return r
}
