// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the token exchange over HTTP together with the
// service's public signing keys, a health check and Prometheus metrics.
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
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/signing"
)

// Route paths.
const (
	TokenExchangePath = "/connect/oauthTokenExchangetoken"
	JWKSPath          = "/.well-known/jwks.json"
	HealthPath        = "/health"
	MetricsPath       = "/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	healthTimeout     = 5 * time.Second
)

// Exchanger runs the token exchange pipeline.
type Exchanger interface {
	Exchange(ctx context.Context, req exchange.Request) (*exchange.Response, error)
	RejectRequest(ctx context.Context, cause error) *exchange.Error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds the listener settings.
type Config struct {
	Address             string
	RequestTimeout      time.Duration
	MaxRequestBodyBytes int64
}

// Server is the HTTP front end of the exchange service.
type Server struct {
	cfg         Config
	exchanger   Exchanger
	credentials signing.CredentialProvider
	metrics     *Metrics
	logger      *slog.Logger
	checks      map[string]HealthCheck
	middlewares []func(http.Handler) http.Handler

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthCheck adds a named dependency check to the health endpoint.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithMiddleware adds a middleware that wraps every route, outside the
// request ID and recovery middleware.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		if mw != nil {
			s.middlewares = append(s.middlewares, mw)
		}
	}
}

// New builds a Server and its routes.
func New(
	cfg Config,
	exchanger Exchanger,
	credentials signing.CredentialProvider,
	metrics *Metrics,
	opts ...Option,
) (*Server, error) {
	if exchanger == nil {
		return nil, errors.New("exchanger is required")
	}
	if credentials == nil {
		return nil, errors.New("credential provider is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, errors.New("request timeout must be positive")
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		return nil, errors.New("max request body size must be positive")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:         cfg,
		exchanger:   exchanger,
		credentials: credentials,
		metrics:     metrics,
		logger:      slog.Default(),
		checks:      make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.middlewares...)
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(s.cfg.RequestTimeout),
	)

	r.Post(TokenExchangePath, s.handleTokenExchange)
	r.Get(JWKSPath, s.handleJWKS)
	r.Get(HealthPath, s.handleHealth)
	r.Method(http.MethodGet, MetricsPath, s.metrics.Handler())
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting token exchange server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("token exchange server stopped")
	return nil
}
