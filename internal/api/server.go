// Package api exposes the admin HTTP interface: health probes, metrics, queue
// submission, proxy pool inspection and reporting, DNS lookups and the audit
// trail.
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/proxypool"
	"github.com/JakeFAU/crawlgate/internal/queue"
	"github.com/JakeFAU/crawlgate/internal/resolver"
	"github.com/JakeFAU/crawlgate/internal/telemetry"
)

// Queue is the subset of queue.Queue the API uses.
type Queue interface {
	Push(ctx context.Context, item queue.WorkItem, priority float64) error
	Len(ctx context.Context) (int64, error)
	Strategy() queue.Strategy
	Key() string
}

// ProxyPool is the subset of proxypool.Pool the API uses.
type ProxyPool interface {
	List(ctx context.Context, scheme string) ([]proxypool.Proxy, error)
	Size(ctx context.Context) (int64, error)
	Refill(ctx context.Context) (int, error)
	RecordFailure(ctx context.Context, address string) (bool, error)
	RecordSuccess(address string)
	Failures(address string) int
	Evict(ctx context.Context, address string) (bool, error)
}

// Resolver is the subset of resolver.Resolver the API uses.
type Resolver interface {
	Resolve(ctx context.Context, host string) (resolver.Result, error)
	Forget(host string)
	Shutdown()
	CacheLen() int
}

// Pinger reports store reachability for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
	APIKey         string
}

// Server wires HTTP handlers to the admission components.
type Server struct {
	router   chi.Router
	handler  http.Handler
	queue    Queue
	proxies  ProxyPool
	resolver Resolver
	store    Pinger
	events   *EventsHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events may be nil,
// in which case /v1/events answers 503.
func NewServer(
	q Queue,
	proxies ProxyPool,
	res Resolver,
	store Pinger,
	events *EventsHandler,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NewEventsHandler(nil, logger)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		queue:    q,
		proxies:  proxies,
		resolver: res,
		store:    store,
		events:   events,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/items", s.pushItems)
		r.Get("/queue", s.queueStatus)
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.listProxies)
			r.Delete("/", s.evictProxy)
			r.Post("/refill", s.refillProxies)
			r.Post("/report", s.reportProxy)
		})
		r.Route("/dns", func(r chi.Router) {
			r.Get("/{host}", s.resolveHost)
			r.Delete("/cache", s.clearDNSCache)
		})
		r.Get("/events", s.events.List)
	})

	s.router = r
	s.handler = otelhttp.NewHandler(r, "crawlgate.api")
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if traceID := telemetry.TraceID(r.Context()); traceID != "" {
				fields = append(fields, zap.String("trace_id", traceID))
			}
			logger.Info("request completed", fields...)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
