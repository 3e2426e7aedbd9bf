package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athorsen/portcullis/internal/metrics"
)

// PolicyReloader re-reads and atomically installs the policy rule list
type PolicyReloader interface {
	ReloadPolicy() error
}

// Config contains server configuration
type Config struct {
	// ListenAddr is the proxy listener address
	ListenAddr string

	// AdminAddr is the admin listener address (health, metrics, reload)
	AdminAddr string

	// Handler is the gateway pipeline
	Handler http.Handler

	// Reloader handles admin-triggered policy reloads (optional)
	Reloader PolicyReloader

	// Logger is the operational logger (defaults to slog.Default)
	Logger *slog.Logger
}

// Server manages the proxy and admin HTTP servers
type Server struct {
	proxy *http.Server
	admin *http.Server

	logger *slog.Logger
}

// New creates a server with the given configuration
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		proxy: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	s.admin = &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           newAdminHandler(cfg.Reloader, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// newAdminHandler builds the admin mux: health, metrics, policy reload
func newAdminHandler(reloader PolicyReloader, logger *slog.Logger) http.Handler {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Post("/-/policy/reload", func(w http.ResponseWriter, r *http.Request) {
		if reloader == nil {
			http.Error(w, "policy reload not configured", http.StatusNotImplemented)
			return
		}
		if err := reloader.ReloadPolicy(); err != nil {
			logger.Error("policy reload failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Info("policy reloaded")
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start binds both listeners and begins serving. It returns once both
// listeners are accepting; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	proxyLn, err := net.Listen("tcp", s.proxy.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", s.proxy.Addr, err)
	}
	adminLn, err := net.Listen("tcp", s.admin.Addr)
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("admin listen on %s: %w", s.admin.Addr, err)
	}

	go func() {
		s.logger.Info("proxy listening", slog.String("addr", proxyLn.Addr().String()))
		if err := s.proxy.Serve(proxyLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		s.logger.Info("admin listening", slog.String("addr", adminLn.Addr().String()))
		if err := s.admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops both servers, draining in-flight requests until the
// context is done
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.proxy.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("proxy shutdown: %w", err))
	}
	if err := s.admin.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
	}
	return errors.Join(errs...)
}
