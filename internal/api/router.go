package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/mapping"
	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/repositories"
	"github.com/modelgate-io/modelgate/internal/transport"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Dispatcher InferenceDispatcher
	Mapper     *mapping.Service
	Registry   *registry.Registry
	Agents     repositories.AgentRepository
	Caller     AgentCaller
	Transport  *transport.Transport
	Logger     *zap.Logger

	// APIKey, when non-empty, is required as a bearer token on /v1 routes.
	APIKey string

	// CORSOrigin, when non-empty, is stamped as the allow-origin on every
	// response.
	CORSOrigin string

	// RateLimiter guards the /v1 routes. nil disables limiting.
	RateLimiter *RateLimiter

	// Version is reported by GET /api/info.
	Version string
}

// NewRouter builds and returns the fully configured Chi router: the OpenAI
// façade under /v1, the management façade under /management, the agent
// WebSocket endpoint at /ws, plus /health, /api/info and /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigin))

	openAI := NewOpenAIHandler(cfg.Dispatcher, cfg.Mapper, cfg.Registry, cfg.Logger)
	management := NewManagementHandler(cfg.Mapper, cfg.Registry, cfg.Agents, cfg.Caller, cfg.Logger)

	// OpenAI-compatible inference surface.
	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestIDHeader)
		r.Use(APIKeyAuth(cfg.APIKey))
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		r.Post("/completions", openAI.Completions)
		r.Post("/chat/completions", openAI.ChatCompletions)
		r.Get("/models", openAI.Models)
	})

	// Operator surface.
	r.Route("/management", func(r chi.Router) {
		r.Get("/agents", management.ListAgents)
		r.Get("/agents/{agentId}/status", management.AgentStatus)
		r.Post("/agents/{agentId}/models/download", management.DownloadModel)

		r.Get("/mappings", management.ListMappings)
		r.Post("/mappings", management.CreateMapping)
		r.Delete("/mappings/{publicName}", management.DeleteMapping)
	})

	// Agent sessions. The handler blocks for the session lifetime.
	r.Get("/ws", cfg.Transport.ServeAgent)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	})
	r.Get("/api/info", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, envelope{
			"name":             "modelgate",
			"version":          cfg.Version,
			"connected_agents": cfg.Registry.Count(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
