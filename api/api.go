// Package api exposes the HTTP surface: event ingestion, incident and
// finding queries, correlation rule management, live streaming and
// Prometheus metrics.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"argus/anomaly"
	"argus/core"
	"argus/correlate"
	"argus/service"
)

// RuleStorer is the rule persistence surface the API needs.
type RuleStorer interface {
	SaveRule(ctx context.Context, rule *core.CorrelationRule) error
	GetRule(ctx context.Context, id string) (*core.CorrelationRule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]*core.CorrelationRule, error)
	DeleteRule(ctx context.Context, id string) error
}

// IncidentLister reads back persisted incidents and findings.
type IncidentLister interface {
	ListIncidents(ctx context.Context, limit, offset int) ([]*core.CorrelatedIncident, error)
	ListFindings(ctx context.Context, limit, offset int) ([]*anomaly.Finding, error)
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Config holds the API server's collaborators.
type Config struct {
	Pipeline  *service.Pipeline
	Engine    *correlate.Engine
	Rules     RuleStorer
	Incidents IncidentLister
	Hub       *Hub
	BodyLimit int64
	RateLimit RateLimitConfig
	Logger    *zap.SugaredLogger
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API is the HTTP server for the service.
type API struct {
	router    *mux.Router
	server    *http.Server
	pipeline  *service.Pipeline
	engine    *correlate.Engine
	rules     RuleStorer
	incidents IncidentLister
	hub       *Hub
	bodyLimit int64
	rl        RateLimitConfig
	logger    *zap.SugaredLogger

	limitersMu sync.Mutex
	limiters   map[string]*rateLimiterEntry
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewAPI creates the API server and wires its routes.
func NewAPI(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 1 << 20
	}
	a := &API{
		router:    mux.NewRouter(),
		pipeline:  cfg.Pipeline,
		engine:    cfg.Engine,
		rules:     cfg.Rules,
		incidents: cfg.Incidents,
		hub:       cfg.Hub,
		bodyLimit: cfg.BodyLimit,
		rl:        cfg.RateLimit,
		logger:    cfg.Logger,
		limiters:  make(map[string]*rateLimiterEntry),
		stopCh:    make(chan struct{}),
	}
	a.setupRoutes()
	if a.rl.Enabled {
		go a.cleanupLimiters()
	}
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", a.ingestEvents).Methods("POST")
	v1.HandleFunc("/statistics", a.getStatistics).Methods("GET")
	v1.HandleFunc("/incidents", a.listIncidents).Methods("GET")
	v1.HandleFunc("/findings", a.listFindings).Methods("GET")
	v1.HandleFunc("/rules", a.listRules).Methods("GET")
	v1.HandleFunc("/rules", a.createRule).Methods("POST")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.deleteRule).Methods("DELETE")
	if a.hub != nil {
		v1.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
			serveWs(a.hub, a.logger, w, r)
		})
	}

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start runs the server on addr and blocks until shutdown.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.rl.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !a.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil, a.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) allow(key string) bool {
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()

	entry, ok := a.limiters[key]
	if !ok {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(a.rl.RequestsPerSecond), a.rl.Burst),
		}
		a.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanupLimiters drops per-client limiters idle for ten minutes so the
// map cannot grow without bound.
func (a *API) cleanupLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			a.limitersMu.Lock()
			for key, entry := range a.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(a.limiters, key)
				}
			}
			a.limitersMu.Unlock()
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
