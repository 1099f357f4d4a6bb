package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dreamware/servelane/internal/fanout"
	"github.com/dreamware/servelane/internal/gateway"
	"github.com/dreamware/servelane/internal/region"
)

type dispatcher interface {
	Dispatch(ctx context.Context, req gateway.Request, cc gateway.ClientContext) gateway.Result
}

type fanouter interface {
	Fanout(ctx context.Context, ev fanout.Event) (fanout.Outcome, error)
}

type logLister interface {
	ListFanoutLogs(ctx context.Context, limit int) ([]fanout.LogRecord, error)
}

type healthReporter interface {
	All() map[region.ID]region.Health
}

type backendLister interface {
	Regions() []region.ID
}

type serverDeps struct {
	dispatcher dispatcher
	fanout     fanouter
	router     *region.Router
	backends   backendLister
	health     healthReporter
	logs       logLister
	limiter    *clientLimiter
	logger     *slog.Logger
}

type server struct {
	serverDeps
}

func newServer(deps serverDeps) *server {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	deps.logger = deps.logger.With("component", "http")
	return &server{serverDeps: deps}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/rpc", s.limiter.middleware(http.HandlerFunc(s.handleRPC)))
	mux.Handle("/fanout", s.limiter.middleware(http.HandlerFunc(s.handleFanout)))
	mux.HandleFunc("/fanout/logs", s.handleFanoutLogs)
	mux.HandleFunc("/regions", s.handleRegions)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" {
			return
		}
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
