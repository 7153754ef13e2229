// common/httpserver/server.go

// Package httpserver поднимает служебный HTTP с /metrics, /healthz и /readyz.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/common/middleware"
	commonprom "github.com/YaganovValera/ticker-pipeline/common/prometheus"
)

// ReadyChecker returns nil if the service is ready to serve.
type ReadyChecker func(ctx context.Context) error

// HTTPServer defines Start(context) error.
type HTTPServer interface {
	Start(ctx context.Context) error
}

type server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// New собирает сервер. Порт занимается только в Start.
func New(cfg Config, check ReadyChecker, log *logger.Logger) (HTTPServer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("http-server")

	return &server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           newHandler(cfg, check, log),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}, nil
}

func newHandler(cfg Config, check ReadyChecker, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, commonprom.Handler())
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(cfg.ReadyzPath, func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), cfg.ReadyTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				log.WithContext(r.Context()).Debug("http: not ready", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "NOT READY: %v", err)
				return
			}
		}
		_, _ = w.Write([]byte("READY"))
	})

	return middleware.Compose(
		RecoverMiddleware(log),
		middleware.RequestID(),
		middleware.Metrics(cfg.MetricsPath, cfg.HealthzPath, cfg.ReadyzPath),
	)(mux)
}

// Start слушает адрес до отмены ctx, затем гасит сервер за shutdownTimeout.
// Ошибка bind возвращается сразу. При штатной остановке: ctx.Err().
func (s *server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.srv.Addr, err)
	}
	s.log.Info("http: serving", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("httpserver: serve: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		serveErr = ctx.Err()
	case err := <-errCh:
		serveErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http: graceful shutdown failed", zap.Error(err))
		return errors.Join(serveErr, err)
	}
	s.log.Info("http: stopped")
	return serveErr
}
