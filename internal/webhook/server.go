// Package webhook is the HTTPS receiver for Strava push subscriptions.
package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stravasync/internal/metrics"
)

const (
	DefaultPath = "/webhook"
	DefaultPort = 8443

	shutdownTimeout = 5 * time.Second
)

// Config holds the listener settings
type Config struct {
	Port     int
	Path     string
	CertFile string
	KeyFile  string
}

// Server is the webhook listener
type Server struct {
	cfg     Config
	handler http.Handler
	logger  *slog.Logger
}

// NewServer creates a Server routing cfg.Path to h
func NewServer(cfg Config, h *Handler, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: NewRouter(cfg.Path, h),
		logger:  logger,
	}
}

// NewRouter routes the handshake and notifications on path, plus health and
// metrics endpoints
func NewRouter(path string, h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(path, h.Challenge)
	r.Post(path, h.Notify)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done. TLS is used when a certificate
// and key are configured; the pair is reloaded whenever the files change.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("starting webhook listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	if s.cfg.CertFile != "" || s.cfg.KeyFile != "" {
		certs, err := NewCertReloader(s.cfg.CertFile, s.cfg.KeyFile, s.logger)
		if err != nil {
			ln.Close()
			return err
		}
		go func() {
			if err := certs.Watch(ctx); err != nil {
				s.logger.Error("Certificate watcher stopped", "error", err)
			}
		}()
		ln = tls.NewListener(ln, &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: certs.GetCertificate,
		})
		s.logger.Info("Starting HTTPS webhook server", "addr", ln.Addr().String(), "path", s.cfg.Path)
	} else {
		s.logger.Warn("Starting webhook server without TLS, Strava requires an HTTPS callback in front of it",
			"addr", ln.Addr().String(), "path", s.cfg.Path)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down webhook server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
