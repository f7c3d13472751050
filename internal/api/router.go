package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/tollgate/internal/auth"
	"github.com/alecgard/tollgate/internal/ratelimit"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Agents   AgentStore
	Cache    CacheControl
	Spend    SpendReader
	Hasher   *auth.Hasher
	Sealer   CredentialSealer
	Proxy    http.Handler
	AdminKey string

	// AdminLimiter throttles /admin per client IP. Optional.
	AdminLimiter *ratelimit.Limiter

	// Metrics is optional. Registry and Summary serve /metrics and
	// /metrics/summary when set.
	Metrics  HTTPMetrics
	Registry prometheus.Gatherer
	Summary  http.Handler

	DBPing    Pinger
	CachePing Pinger
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(echoRequestID)
	r.Use(chimw.Recoverer)
	r.Use(secureHeaders)

	r.Group(func(pr chi.Router) {
		pr.Use(requestLogger("probe", nil))
		pr.Get("/health", healthHandler(deps.DBPing, deps.CachePing))
		pr.Get("/.well-known/tollgate.json", WellKnownHandler)
		if deps.Registry != nil {
			pr.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
		}
	})

	// Admin hooks (require admin key).
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(requestLogger("admin", deps.Metrics))
		if deps.AdminLimiter != nil {
			ar.Use(ratelimit.Middleware(deps.AdminLimiter, clientIP, nil))
		}
		ar.Use(auth.AdminMiddleware(deps.AdminKey))

		agents := newAgentsHandler(deps.Agents, deps.Cache, deps.Hasher, deps.Sealer)
		spend := newSpendHandler(deps.Spend)

		ar.Post("/users", agents.CreateUser)
		ar.Put("/users/{id}/provider-key", agents.SetProviderKey)

		ar.Post("/agents", agents.CreateAgent)
		ar.Get("/agents", agents.ListAgents)
		ar.Get("/agents/{id}", agents.GetAgent)
		ar.Put("/agents/{id}/policy", agents.PutPolicy)
		ar.Put("/agents/{id}/balance", agents.SetBalance)
		ar.Post("/agents/{id}/freeze", agents.Freeze)
		ar.Post("/agents/{id}/unfreeze", agents.Unfreeze)
		ar.Post("/agents/{id}/invalidate", agents.Invalidate)
		ar.Post("/agents/{id}/keys", agents.MintKey)
		ar.Post("/keys/{hash}/revoke", agents.RevokeKey)

		ar.Get("/spend", spend.GetSummary)
		ar.Get("/spend/events", spend.ListEvents)

		if deps.Summary != nil {
			ar.Handle("/metrics/summary", deps.Summary)
		}
	})

	// Completion traffic. Paths are forwarded unchanged to the upstream.
	if deps.Proxy != nil {
		r.Route("/v1", func(pr chi.Router) {
			pr.Use(requestLogger("proxy", deps.Metrics))
			pr.Handle("/*", deps.Proxy)
		})
	}

	return r
}

// healthHandler reports ok only when every configured dependency answers.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		body := map[string]string{}
		check := func(name string, p Pinger) {
			if p == nil {
				return
			}
			if err := p.Ping(ctx); err != nil {
				body[name] = "unreachable"
				status, code = "degraded", http.StatusServiceUnavailable
				return
			}
			body[name] = "connected"
		}
		check("database", db)
		check("cache", c)
		body["status"] = status
		writeJSON(w, code, body)
	}
}
