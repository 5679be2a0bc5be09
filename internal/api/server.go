// Package api exposes the HTTP interface for the archive engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archive"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
)

const requestTimeout = 60 * time.Second

// Crawler submits crawl requests.
type Crawler interface {
	Submit(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// Archiver serves the archive pipeline operations.
type Archiver interface {
	Archive(ctx context.Context, req archive.Request) (archive.Result, error)
	Resolve(ctx context.Context, clientID string) error
	Recent(ctx context.Context, limit int) ([]crawler.ArchiveEntry, error)
}

// EventSource opens filtered bus subscriptions.
type EventSource interface {
	Subscribe(filter events.Filter) *events.Subscription
}

// SessionLookup resolves a web port to its interactive allocation.
type SessionLookup interface {
	Lookup(ctx context.Context, webPort int) (crawler.VncAllocation, bool, error)
}

// Deps are the collaborators behind the HTTP surface. Nil optional
// dependencies disable their routes.
type Deps struct {
	Crawler  Crawler
	Archiver Archiver
	Events   EventSource
	Sessions SessionLookup
	// Content serves archived documents below ContentPrefix.
	Content       crawler.BlobReader
	ContentPrefix string
	// Tagger derives ETags for archive content; nil disables them.
	Tagger crawler.ContentTagger
	// Reset runs the administrative reset.
	Reset func(ctx context.Context) error
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
	// ProxyHost is where the interactive bridges listen; defaults to 127.0.0.1.
	ProxyHost string
	// Heartbeat is the event-stream keepalive interval.
	Heartbeat time.Duration
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if deps.ProxyHost == "" {
		deps.ProxyHost = "127.0.0.1"
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = defaultHeartbeat
	}
	if deps.ContentPrefix == "" {
		deps.ContentPrefix = cfg.Archive.Prefix
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/archive/{pid}/{file}", s.archiveContent)
	r.HandleFunc("/vnc/{port}", s.proxyVnc)
	r.HandleFunc("/vnc/{port}/*", s.proxyVnc)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streams stay open past the request timeout.
		r.Get("/v1/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Route("/v1", func(r chi.Router) {
				r.Post("/crawl", s.submitCrawl)
				r.Post("/archive", s.submitArchive)
				r.Get("/archive/recent", s.recentArchives)
				r.Post("/vnc/{client_id}/resolve", s.resolveVnc)
			})
			r.Post("/admin/reset", s.reset)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reset == nil {
		s.writeError(w, http.StatusNotImplemented, "reset unavailable")
		return
	}
	if err := s.deps.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.logger.Info("administrative reset completed")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine error onto a sanitized client response.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, crawler.ErrInvalidTarget):
		status = http.StatusBadRequest
	case errors.Is(err, crawler.ErrExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Error(op+" failed",
		zap.String("request_id", requestID(r.Context())),
		zap.Error(err),
	)
	s.writeError(w, status, crawler.SanitizeError(err))
}
