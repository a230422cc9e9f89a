package routes

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"meddrop/gateway/middleware"
	"meddrop/ledger"
)

const rootMessage = "PLEASE LEAVE! You are NOT AUTHORIZED to access this link."

// Rate limit ids applied to the object routes.
const (
	QueriesLimit   = "queries"
	MutationsLimit = "mutations"
)

type Config struct {
	// Channel hosts one contract per object.
	Channel   string
	Queries   QueryRunner
	Mutations Invoker
	// Events backs the websocket event streams; nil disables /events. Streams
	// keep their handle open, so this should be a provider separate from the
	// one behind Queries and Mutations.
	Events ledger.Provider
	// Transactions backs /transactions; nil disables it.
	Transactions TransactionLookup
	// Idempotency wraps mutation routes when set.
	Idempotency   func(http.Handler) http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *log.Logger
}

func New(cfg Config) (http.Handler, error) {
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("routes: channel required")
	}
	if cfg.Queries == nil || cfg.Mutations == nil {
		return nil, errors.New("routes: query runner and invoker required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(rootMessage))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	for _, object := range Objects {
		lr := &ledgerRoutes{
			ref:       ledger.Ref{Channel: cfg.Channel, Contract: object},
			queries:   cfg.Queries,
			mutations: cfg.Mutations,
			logger:    logger,
		}
		queries := queriesFor(object)
		mutations := mutationsFor(object)
		r.Route("/"+object, func(sr chi.Router) {
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware)
			}
			sr.Group(func(g chi.Router) {
				if cfg.RateLimiter != nil {
					g.Use(cfg.RateLimiter.Middleware(QueriesLimit))
				}
				lr.mountQueries(g, queries)
			})
			sr.Group(func(g chi.Router) {
				if cfg.RateLimiter != nil {
					g.Use(cfg.RateLimiter.Middleware(MutationsLimit))
				}
				if cfg.Idempotency != nil {
					g.Use(cfg.Idempotency)
				}
				lr.mountMutations(g, mutations)
			})
		})
	}

	if cfg.Transactions != nil {
		tr := &transactionsRoutes{lookup: cfg.Transactions, logger: logger}
		r.Route("/transactions", func(sr chi.Router) {
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware)
			}
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(QueriesLimit))
			}
			tr.mount(sr)
		})
	}

	if cfg.Events != nil {
		er := &eventRoutes{channel: cfg.Channel, provider: cfg.Events, wait: streamAcquireTimeout, logger: logger}
		r.Route("/events", func(sr chi.Router) {
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware)
			}
			er.mount(sr)
		})
	}

	return r, nil
}
