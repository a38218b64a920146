// Package server implements the HTTP embedding API: request validation,
// bounded-concurrency dispatch to the model host, and the OpenAI-compatible
// wire format.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/minivec/minivec/internal/config"
)

// Host is the part of the model host the server depends on.
type Host interface {
	Model() string
	Backend() string
	Dimensions() int
	Loaded() bool
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Similarity(ctx context.Context, source string, targets []string) ([]float64, error)
}

// Server owns the request lifecycle for one worker process. Inference
// dispatch is guarded by a semaphore sized to the configured thread count;
// requests beyond that wait in line until a slot frees or their deadline
// passes.
type Server struct {
	cfg       *config.Config
	host      Host
	logger    *slog.Logger
	schemas   *requestSchemas
	semaphore chan struct{}
	maxBody   int64
	startTime time.Time
	queueWarn rate.Sometimes

	httpServer *http.Server
}

// New creates a Server around host. The host may still be loading; requests
// arriving before it is ready are answered 503.
func New(cfg *config.Config, host Host, logger *slog.Logger) *Server {
	threads := cfg.Workers.Threads
	if threads < 1 {
		threads = 1
	}

	// Body cap: the largest valid batch plus envelope overhead.
	maxBody := int64(cfg.Model.MaxTextBytes)*int64(cfg.Model.MaxBatchSize) + 1<<20

	return &Server{
		cfg:       cfg,
		host:      host,
		logger:    logger,
		schemas:   newRequestSchemas(),
		semaphore: make(chan struct{}, threads),
		maxBody:   maxBody,
		startTime: time.Now(),
		queueWarn: rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Handler returns the full middleware-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/similarity", s.handleSimilarity)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.Handler())
	}

	return s.recoveryMiddleware(s.requestIDMiddleware(s.loggingMiddleware(mux)))
}

// Serve runs the HTTP server on ln until ctx is canceled, then drains
// in-flight requests within the configured shutdown timeout. The listener is
// typically inherited from the supervisor.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	s.logger.Info("serving http",
		"addr", ln.Addr().String(),
		"pid", os.Getpid(),
		"threads", cap(s.semaphore),
	)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("draining in-flight requests", "timeout", s.cfg.Server.ShutdownTimeout.String())
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe binds the configured port and serves until ctx is canceled.
// Used in single-process mode; under the supervisor the listener is inherited
// instead.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
