package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/audit"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/middleware"
)

// Config wires the review gateway's dependencies.
type Config struct {
	Queue         *reviewqueue.Queue
	Trail         *audit.Trail
	Pool          PoolStatus
	Submitter     TxSubmitter
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig

	// Scopes required for review decisions and audit reads.
	ReviewScopes []string
	AuditScopes  []string
}

// New assembles the review gateway handler.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	review := newReviewRoutes(cfg.Queue, cfg.Trail, cfg.Pool)
	r.Route("/review", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("review"))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware(cfg.ReviewScopes...))
		}
		if obs != nil {
			sr.Use(obs.Middleware("review"))
		}
		review.mount(sr)
	})

	if cfg.Submitter != nil {
		txs := newTxRoutes(cfg.Submitter)
		r.Route("/transactions", func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware("transactions"))
			}
			if obs != nil {
				sr.Use(obs.Middleware("transactions"))
			}
			txs.mount(sr)
		})
	}

	r.Route("/audit", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("audit"))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware(cfg.AuditScopes...))
		}
		if obs != nil {
			sr.Use(obs.Middleware("audit"))
		}
		sr.Get("/{txHash}", review.handleAudit)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r
}
