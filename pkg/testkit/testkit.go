// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides a fake OpenID identity provider for tests. It
// serves a discovery document and a signing key set over TLS and signs
// subject tokens with its own key.
package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// TenantPath is the path of the fake provider's authority below the server URL.
const TenantPath = "/tenant/v2.0"

// DefaultKeyID is the kid of the provider's signing key.
const DefaultKeyID = "test-key-1"

// Provider is a fake identity provider backed by an httptest TLS server.
type Provider struct {
	Server *httptest.Server

	key   *rsa.PrivateKey
	keyID string

	mu            sync.Mutex
	documentEdits []func(map[string]any)
	discoveryWait time.Duration

	discoveryHits atomic.Int32
	failing       atomic.Bool
	keysFailing   atomic.Bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithDiscoveryDelay delays every discovery response by d.
func WithDiscoveryDelay(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.discoveryWait = d
	}
}

// WithDocumentEdit lets a test alter the discovery document before it is served.
func WithDocumentEdit(edit func(doc map[string]any)) ProviderOption {
	return func(p *Provider) {
		p.documentEdits = append(p.documentEdits, edit)
	}
}

// NewProvider starts a fake provider and registers its shutdown with t.
func NewProvider(t testing.TB, opts ...ProviderOption) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate provider key: %v", err)
	}

	p := &Provider{key: key, keyID: DefaultKeyID}
	for _, opt := range opts {
		opt(p)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(TenantPath+"/.well-known/openid-configuration", p.discoveryHandler)
	router.Get("/keys", p.jwksHandler(t))

	p.Server = httptest.NewTLSServer(router)
	t.Cleanup(p.Server.Close)
	return p
}

// Authority returns the issuer identifier of the provider.
func (p *Provider) Authority() string {
	return p.Server.URL + TenantPath
}

// Client returns an HTTP client trusting the provider's certificate.
func (p *Provider) Client() *http.Client {
	return p.Server.Client()
}

// DiscoveryHits returns how many discovery documents were served or refused.
func (p *Provider) DiscoveryHits() int {
	return int(p.discoveryHits.Load())
}

// SetFailing makes the discovery endpoint answer 503 while failing is true.
func (p *Provider) SetFailing(failing bool) {
	p.failing.Store(failing)
}

// SetKeysFailing makes the JWKS endpoint answer 500 while failing is true.
func (p *Provider) SetKeysFailing(failing bool) {
	p.keysFailing.Store(failing)
}

// SignToken signs claims with the provider key as an RS256 JWT.
func (p *Provider) SignToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return SignToken(t, p.key, p.keyID, claims)
}

// SignToken signs claims with key as an RS256 JWT carrying kid.
func SignToken(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// SubjectClaims returns a delegated subject token claim set issued by the
// provider for audience, valid from one minute ago for one hour.
func (p *Provider) SubjectClaims(audience, username string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                p.Authority(),
		"aud":                audience,
		"sub":                "subject-" + username,
		"iat":                now.Add(-time.Minute).Unix(),
		"nbf":                now.Add(-time.Minute).Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": username,
		"oid":                "00000000-0000-0000-0000-0000000000aa",
		"scp":                "access_as_user",
		"azp":                "calling-client",
		"azpacr":             "1",
		"name":               "Test User",
	}
}

func (p *Provider) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	p.discoveryHits.Add(1)

	p.mu.Lock()
	wait := p.discoveryWait
	edits := p.documentEdits
	p.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	if p.failing.Load() {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	doc := map[string]any{
		"issuer":                 p.Authority(),
		"jwks_uri":               p.Server.URL + "/keys",
		"token_endpoint":         p.Authority() + "/token",
		"authorization_endpoint": p.Authority() + "/authorize",
	}
	for _, edit := range edits {
		edit(doc)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *Provider) jwksHandler(t testing.TB) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if p.keysFailing.Load() {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		key, err := jwk.Import(&p.key.PublicKey)
		if err != nil {
			t.Errorf("failed to import provider key: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := key.Set(jwk.KeyIDKey, p.keyID); err != nil {
			t.Errorf("failed to set kid: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		set := jwk.NewSet()
		if err := set.AddKey(key); err != nil {
			t.Errorf("failed to add key: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}
}
