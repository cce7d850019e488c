package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-sandbox/internal/governance"
	"github.com/polisai/polis-sandbox/pkg/policy"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second

	// RequestIDHeader carries the request identifier echoed on every response.
	RequestIDHeader = "X-Request-ID"
)

// Options configure a Server.
type Options struct {
	Engine  *policy.Engine
	Metrics *Metrics
	Logger  *slog.Logger
	// RateLimiter limits API requests per endpoint. Nil disables limiting.
	RateLimiter *governance.RateLimiter
	// MaxBodyBytes bounds request bodies. Zero selects 1 MiB.
	MaxBodyBytes int64
}

// Server serves the sandbox API for one engine.
type Server struct {
	engine       *policy.Engine
	metrics      *Metrics
	logger       *slog.Logger
	limiter      *governance.RateLimiter
	maxBodyBytes int64
	handler      http.Handler
}

// New builds a Server. The engine is required.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("server: engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	if opts.RateLimiter != nil {
		if err := metrics.TrackRateLimiter(opts.RateLimiter); err != nil {
			return nil, fmt.Errorf("server: track rate limiter: %w", err)
		}
	}

	s := &Server{
		engine:       opts.Engine,
		metrics:      metrics,
		logger:       logger,
		limiter:      opts.RateLimiter,
		maxBodyBytes: maxBody,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the Prometheus metrics the server records into.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/invoke", s.handleInvoke)
	api.HandleFunc("POST /v1/check", s.handleCheck)
	api.HandleFunc("GET /v1/overrides", s.handleGetOverrides)
	api.HandleFunc("PUT /v1/overrides", s.handlePutOverrides)
	api.HandleFunc("GET /v1/policy", s.handleGetPolicy)

	traced := otelhttp.NewHandler(s.withRequestID(s.withRateLimit(api)), "polis.sandbox")

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("GET /metrics", s.metrics.Handler())
	root.Handle("/", traced)

	return s.metrics.MetricsMiddleware(root)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := endpointName(r.URL.Path)
		decision := s.limiter.Allow(endpoint)
		governance.WriteRateLimitHeaders(w, decision)
		if !decision.Allowed {
			s.logger.Warn("rate limit exceeded",
				"request_id", RequestID(r.Context()),
				"endpoint", endpoint,
			)
			s.writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded for "+endpoint)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the identifier assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
