package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	redisstore "github.com/ramiqadoumi/go-task-submit/internal/redis"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-submit/services/api-gateway/middleware"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Routes bundles what the HTTP router serves.
type Routes struct {
	REST    *REST
	Auth    *Auth
	Limiter redisstore.RateLimiter
	// LimitKey defaults to middleware.ClientIP.
	LimitKey middleware.KeyFunc
	Checks   []telemetry.ReadinessCheck
	Logger   *slog.Logger
}

// NewRouter builds the gateway's chi router.
func NewRouter(rt Routes) http.Handler {
	limitKey := rt.LimitKey
	if limitKey == nil {
		limitKey = middleware.ClientIP
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(rt.Logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Get("/healthz", rt.REST.Healthz)
	r.Get("/readyz", telemetry.ReadyHandler(rt.Checks...))
	r.Post("/token", rt.Auth.Token)

	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(rt.Auth.Authenticate)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(rt.Limiter, limitKey, rt.Logger))
			r.Post("/", rt.REST.SubmitTask)
			r.Post("/process", rt.REST.SubmitProcess)
		})
		r.Get("/{id}", rt.REST.GetTaskStatus)
	})
	return r
}
