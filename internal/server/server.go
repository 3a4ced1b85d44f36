// Package server exposes the predictor over HTTP and reloads it when a
// new checkpoint is written.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/config"
	"github.com/born-ml/neuroscan/internal/history"
	"github.com/born-ml/neuroscan/internal/predict"
)

// Loader builds a predictor from the current checkpoint.
type Loader func() (*predict.Predictor, error)

// Option configures a Server.
type Option func(*Server)

// WithHistory records every served prediction.
func WithHistory(store *history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithLoader replaces the default checkpoint loader.
func WithLoader(l Loader) Option {
	return func(s *Server) { s.load = l }
}

// Server serves predictions. A server without a model answers /health and
// /labels and rejects predictions with 503 until a checkpoint appears.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	load    Loader
	history *history.Store
	cache   *lru.Cache[string, *predict.Result]

	mu   sync.RWMutex
	pred *predict.Predictor
	gen  uint64 // bumped on every reload, part of each cache key
}

// New returns a server and tries an initial model load. A missing
// checkpoint is not an error.
func New(cfg config.Config, log *zap.Logger, opts ...Option) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.Server.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, *predict.Result](size)
	if err != nil {
		return nil, fmt.Errorf("server: cache: %w", err)
	}
	s := &Server{cfg: cfg, log: log, cache: cache}
	s.load = func() (*predict.Predictor, error) { return predict.New(cfg, log) }
	for _, o := range opts {
		o(s)
	}
	if err := s.Reload(); err != nil {
		var nf *predict.ModelNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		log.Warn("no checkpoint yet, predictions disabled until one is written",
			zap.String("path", nf.Path))
	}
	return s, nil
}

// Reload swaps in a freshly loaded predictor and purges cached results.
// On failure the previous predictor keeps serving.
func (s *Server) Reload() error {
	p, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pred = p
	s.gen++
	s.mu.Unlock()
	s.cache.Purge()
	s.log.Info("predictor reloaded", zap.String("path", p.Path()))
	return nil
}

func (s *Server) predictor() *predict.Predictor {
	p, _ := s.current()
	return p
}

// current returns the predictor together with its generation.
func (s *Server) current() (*predict.Predictor, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pred, s.gen
}

// cacheKey ties an upload's digest to the model generation that scored it,
// so a result computed by a replaced model is never served again.
func cacheKey(gen uint64, data []byte) string {
	sum := sha256.Sum256(data)
	return strconv.FormatUint(gen, 10) + ":" + hex.EncodeToString(sum[:])
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /labels", s.labels)
	mux.HandleFunc("POST /predict/image", s.predictImage)
	return Chain(recovery(s.log), requestLogger(s.log), cors)(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. The checkpoint watcher runs for the same lifetime.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- s.Watch(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case err := <-watchErr:
		if err != nil {
			s.log.Error("checkpoint watcher stopped", zap.Error(err))
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: forced shutdown: %w", err)
	}
	return nil
}
