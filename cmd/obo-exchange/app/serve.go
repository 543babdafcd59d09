// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/obo-exchange/pkg/auth/oidc"
	"github.com/stacklok/obo-exchange/pkg/config"
	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/identity"
	"github.com/stacklok/obo-exchange/pkg/networking"
	"github.com/stacklok/obo-exchange/pkg/server"
	"github.com/stacklok/obo-exchange/pkg/signing"
	"github.com/stacklok/obo-exchange/pkg/telemetry"
	"github.com/stacklok/obo-exchange/pkg/versions"
)

const telemetryShutdownTimeout = 5 * time.Second

// pinger is implemented by identity stores with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// Run wires the service from cfg and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := server.NewMetrics()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: versions.GetVersionInfo().Version,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		Headers:        cfg.Telemetry.Headers,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	tel.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}()
	if cfg.Telemetry.Endpoint != "" {
		log.Info("tracing enabled", "endpoint", cfg.Telemetry.Endpoint, "sampling_rate", cfg.Telemetry.SamplingRate)
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.Metadata.CABundle).
		WithPrivateIPs(cfg.Metadata.AllowPrivateIP).
		WithTimeout(cfg.Metadata.FetchTimeout).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build metadata HTTP client: %w", err)
	}
	httpClient = tel.InstrumentClient(httpClient)

	resolver, err := oidc.NewResolver(ctx, oidc.Config{
		Address:         cfg.Metadata.Address,
		RefreshInterval: cfg.Metadata.RefreshInterval,
		CacheTTL:        cfg.Metadata.CacheTTL,
		FetchTimeout:    cfg.Metadata.FetchTimeout,
		HTTPClient:      httpClient,
		Logger:          log,
		OnRefresh:       metrics.ObserveMetadataRefresh,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata resolver: %w", err)
	}
	// A failed warm-up is not fatal: the first exchange retries the fetch.
	if _, err := resolver.Resolve(ctx); err != nil {
		log.Warn("initial metadata fetch failed", "error", err)
	}

	store, closeStore, err := identity.Open(ctx, cfg.IdentityStore)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("failed to close identity store", "error", err)
		}
	}()

	credentials, err := newCredentialProvider(cfg.Signing, log)
	if err != nil {
		return err
	}

	issuer, err := signing.NewIssuer(signing.IssuerConfig{
		Issuer:   cfg.Exchange.IssuerForNewAccessToken,
		Audience: cfg.Exchange.AudienceForNewAccessToken,
		Scope:    cfg.Exchange.ScopeForNewAccessToken,
		Lifetime: cfg.Exchange.TokenLifetime,
	}, credentials)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	exchanger := exchange.NewExchanger(exchange.Config{
		Audience:              cfg.Exchange.Audience,
		Scope:                 cfg.Exchange.ScopeForNewAccessToken,
		AccessTokenAuthority:  cfg.Exchange.AccessTokenAuthority,
		AccessTokenAudience:   cfg.Exchange.AccessTokenAudience,
		ClockSkew:             cfg.Exchange.ClockSkew,
		RequireDelegatedToken: cfg.Exchange.RequireDelegatedToken,
		LogPII:                cfg.LogPII,
	}, resolver, identity.NewResolver(store, cfg.IdentityStore.LookupTimeout), issuer, log)

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMiddleware(tel.Middleware(cfg.Telemetry.ServiceName, server.HealthPath, server.MetricsPath)),
		server.WithHealthCheck("metadata", func(ctx context.Context) error {
			_, err := resolver.Resolve(ctx)
			return err
		}),
		server.WithHealthCheck("signing", func(ctx context.Context) error {
			_, err := credentials.ActiveCredential(ctx)
			return err
		}),
	}
	if p, ok := store.(pinger); ok {
		opts = append(opts, server.WithHealthCheck("identity-store", p.Ping))
	}

	srv, err := server.New(server.Config{
		Address:             cfg.Server.Address,
		RequestTimeout:      cfg.Server.RequestTimeout,
		MaxRequestBodyBytes: cfg.Server.MaxRequestBodyBytes,
	}, exchanger, credentials, metrics, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.LogPII {
		log.Warn("PII logging is enabled; usernames and assertions will appear in debug logs")
	}
	return srv.ListenAndServe(ctx)
}

// newCredentialProvider loads the configured credentials, or generates an
// ephemeral one when none are configured and generation is enabled.
func newCredentialProvider(cfg config.SigningConfig, log *slog.Logger) (signing.CredentialProvider, error) {
	if len(cfg.Credentials) == 0 {
		if !cfg.Generate {
			return nil, fmt.Errorf("no signing credentials configured")
		}
		return signing.NewGeneratingProvider(log), nil
	}

	files := make([]signing.CredentialFile, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		files = append(files, signing.CredentialFile{CertificateFile: c.CertificateFile, KeyFile: c.KeyFile})
	}
	provider, err := signing.NewFileProvider(cfg.KeyDir, files)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing credentials: %w", err)
	}
	return provider, nil
}
