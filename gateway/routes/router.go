package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"invoicefi/gateway/middleware"
)

// Route groups share rate limit keys and scope requirements.
const (
	GroupQueries = "queries"
	GroupPool    = "pool"
	GroupAdmin   = "admin"
)

// Scopes required when authentication is enabled.
const (
	ScopePool  = "financing:write"
	ScopeAdmin = "financing:admin"
)

type Config struct {
	Ledger         Ledger
	HealthHandler  http.Handler
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	Observability  *middleware.Observability
	CORS           middleware.CORSConfig
	RequestTimeout time.Duration
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("routes: ledger required")
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	health := cfg.HealthHandler
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	r.Handle("/healthz", health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	fr := newFinancingRoutes(cfg.Ledger, cfg.RequestTimeout)
	groups := []struct {
		name   string
		scopes []string
		mount  func(chi.Router)
	}{
		{name: GroupQueries, mount: fr.mountQueries},
		{name: GroupPool, scopes: []string{ScopePool}, mount: fr.mountPool},
		{name: GroupAdmin, scopes: []string{ScopeAdmin}, mount: fr.mountAdmin},
	}
	r.Route("/v1", func(v1 chi.Router) {
		for _, group := range groups {
			group := group
			v1.Group(func(sr chi.Router) {
				if obs != nil {
					sr.Use(obs.Middleware(group.name))
				}
				// Rate limit buckets key on the authenticated caller.
				if cfg.Authenticator != nil && group.name != GroupQueries {
					sr.Use(cfg.Authenticator.Middleware(group.scopes...))
				}
				if cfg.RateLimiter != nil {
					sr.Use(cfg.RateLimiter.Middleware(group.name))
				}
				group.mount(sr)
			})
		}
	})
	return r, nil
}
