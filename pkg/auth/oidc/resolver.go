// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc resolves and caches the discovery metadata and signing keys of
// the identity provider that issues subject tokens.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/obo-exchange/pkg/networking"
	"github.com/stacklok/obo-exchange/pkg/versions"
)

// WellKnownPath is the OpenID Connect discovery document path.
const WellKnownPath = "/.well-known/openid-configuration"

// Refresh outcomes reported to Config.OnRefresh.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

const singleflightKey = "metadata"

var (
	// ErrMetadataUnavailable is returned when no usable metadata snapshot exists
	// and fetching a new one failed.
	ErrMetadataUnavailable = errors.New("identity provider metadata unavailable")

	// ErrInvalidDocument is returned for a discovery document missing required fields.
	ErrInvalidDocument = errors.New("invalid discovery document")
)

// DiscoveryDocument is the subset of the OpenID discovery document used here.
type DiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Metadata is an immutable snapshot of the identity provider metadata.
type Metadata struct {
	Issuer    string
	JWKSURI   string
	Keys      jwk.Set
	FetchedAt time.Time
}

// Config configures a Resolver.
type Config struct {
	// Address is the discovery document URL, or an authority to which
	// WellKnownPath is appended.
	Address string

	// RefreshInterval is how long a snapshot is served without refreshing.
	RefreshInterval time.Duration
	// CacheTTL is the age after which a snapshot is never served.
	CacheTTL time.Duration
	// FetchTimeout bounds a single discovery and key set fetch.
	FetchTimeout time.Duration

	// HTTPClient is used for all outbound requests. It must be set.
	HTTPClient *http.Client

	Logger *slog.Logger

	// OnRefresh, if set, is called after every fetch attempt with
	// RefreshSuccess or RefreshFailure.
	OnRefresh func(outcome string)
}

// Resolver serves identity provider metadata from a copy-on-refresh snapshot.
// Readers never block on a background refresh. A snapshot older than
// RefreshInterval triggers one background refresh while still being served;
// a snapshot older than CacheTTL is discarded and the caller waits for a
// synchronous fetch shared with any concurrent callers.
type Resolver struct {
	discoveryURL    string
	refreshInterval time.Duration
	cacheTTL        time.Duration
	fetchTimeout    time.Duration
	client          *http.Client
	logger          *slog.Logger
	onRefresh       func(string)

	jwks *jwk.Cache

	snapshot   atomic.Pointer[Metadata]
	group      singleflight.Group
	refreshing atomic.Bool

	now func() time.Time
}

// NewResolver creates a Resolver. No network access happens until the first
// call to Resolve. ctx bounds the lifetime of the background key set cache.
func NewResolver(ctx context.Context, cfg Config) (*Resolver, error) {
	discoveryURL, err := DiscoveryURL(cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		return nil, errors.New("http client is required")
	}
	if cfg.RefreshInterval <= 0 || cfg.CacheTTL < cfg.RefreshInterval || cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("invalid cache policy: refresh %s, ttl %s, fetch timeout %s",
			cfg.RefreshInterval, cfg.CacheTTL, cfg.FetchTimeout)
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(cfg.HTTPClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		discoveryURL:    discoveryURL,
		refreshInterval: cfg.RefreshInterval,
		cacheTTL:        cfg.CacheTTL,
		fetchTimeout:    cfg.FetchTimeout,
		client:          cfg.HTTPClient,
		logger:          logger,
		onRefresh:       cfg.OnRefresh,
		jwks:            cache,
		now:             time.Now,
	}, nil
}

// DiscoveryURL returns the discovery document URL for address.
func DiscoveryURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid metadata address: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("metadata address must be an absolute https URL: %s", address)
	}
	if strings.HasSuffix(u.Path, WellKnownPath) {
		return u.String(), nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + WellKnownPath
	u.RawPath = ""
	return u.String(), nil
}

// Resolve returns the current metadata snapshot, fetching or refreshing it
// according to the cache policy.
func (r *Resolver) Resolve(ctx context.Context) (*Metadata, error) {
	if md := r.snapshot.Load(); md != nil {
		age := r.now().Sub(md.FetchedAt)
		if age < r.refreshInterval {
			return md, nil
		}
		if age < r.cacheTTL {
			r.refreshInBackground()
			return md, nil
		}
		r.logger.Debug("metadata snapshot expired", "age", age, "ttl", r.cacheTTL)
	}

	ch := r.group.DoChan(singleflightKey, r.fetch)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, res.Err)
		}
		return res.Val.(*Metadata), nil
	}
}

// Snapshot returns the current snapshot without triggering any fetch.
func (r *Resolver) Snapshot() *Metadata {
	return r.snapshot.Load()
}

func (r *Resolver) refreshInBackground() {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.refreshing.Store(false)
		if _, err, _ := r.group.Do(singleflightKey, r.fetch); err != nil {
			r.logger.Warn("background metadata refresh failed, serving cached metadata",
				"url", r.discoveryURL, "error", err)
		}
	}()
}

// fetch retrieves a new snapshot. It runs detached from any caller context so
// that one cancelled request cannot fail a fetch shared with others.
func (r *Resolver) fetch() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()

	md, err := r.fetchMetadata(ctx)
	if err != nil {
		r.report(RefreshFailure)
		return nil, err
	}

	r.snapshot.Store(md)
	r.report(RefreshSuccess)
	r.logger.Debug("metadata refreshed", "issuer", md.Issuer, "jwks_uri", md.JWKSURI, "keys", md.Keys.Len())
	return md, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context) (*Metadata, error) {
	doc, err := networking.FetchJSON[DiscoveryDocument](ctx, r.client, r.discoveryURL,
		networking.WithHeader("User-Agent", versions.UserAgent()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	keys, err := r.fetchKeys(ctx, doc.JWKSURI)
	if err != nil {
		return nil, err
	}
	if keys.Len() == 0 {
		return nil, fmt.Errorf("JWKS at %s contains no keys", doc.JWKSURI)
	}

	return &Metadata{
		Issuer:    doc.Issuer,
		JWKSURI:   doc.JWKSURI,
		Keys:      keys,
		FetchedAt: r.now(),
	}, nil
}

// fetchKeys returns the key set at jwksURI, always fetching it anew so a
// metadata refresh also picks up rotated keys. Registration does not wait for
// the cache's first fetch; the synchronous refresh reports a failing endpoint
// as soon as it answers.
func (r *Resolver) fetchKeys(ctx context.Context, jwksURI string) (jwk.Set, error) {
	if !r.jwks.IsRegistered(ctx, jwksURI) {
		if err := r.jwks.Register(ctx, jwksURI, jwk.WithWaitReady(false)); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
	}

	keys, err := r.jwks.Refresh(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	return keys, nil
}

func (r *Resolver) report(outcome string) {
	if r.onRefresh != nil {
		r.onRefresh(outcome)
	}
}

func validateDocument(doc *DiscoveryDocument) error {
	if doc.Issuer == "" {
		return fmt.Errorf("%w: missing issuer", ErrInvalidDocument)
	}
	if doc.JWKSURI == "" {
		return fmt.Errorf("%w: missing jwks_uri", ErrInvalidDocument)
	}
	u, err := url.Parse(doc.JWKSURI)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: jwks_uri must be an absolute https URL: %s", ErrInvalidDocument, doc.JWKSURI)
	}
	return nil
}
