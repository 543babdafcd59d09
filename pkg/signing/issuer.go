// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// TokenType is the JOSE typ header of issued tokens (RFC 9068).
const TokenType = "at+jwt"

// headerCertificateThumbprint is the x5t#S256 JOSE header.
const headerCertificateThumbprint jose.HeaderKey = "x5t#S256"

// reservedClaims are set by the issuer and never copied from the subject token.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"scope": {}, "client_id": {},
}

// IssuerConfig describes the tokens an Issuer produces.
type IssuerConfig struct {
	Issuer   string
	Audience string
	Scope    string
	Lifetime time.Duration
}

// Validate checks that the IssuerConfig is complete.
func (c *IssuerConfig) Validate() error {
	switch {
	case c.Issuer == "":
		return errors.New("issuer is required")
	case c.Audience == "":
		return errors.New("audience is required")
	case c.Scope == "":
		return errors.New("scope is required")
	case c.Lifetime <= 0:
		return errors.New("lifetime must be positive")
	}
	return nil
}

// IssueRequest is the input of a delegated token.
type IssueRequest struct {
	// ClientID identifies the original caller's client for audit.
	ClientID string
	// Claims are the verified subject token claims to propagate.
	Claims map[string]any
}

// Token is an issued delegated token.
type Token struct {
	Raw       string
	Subject   string
	ID        string
	Scope     string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn is the token lifetime in whole seconds.
func (t *Token) ExpiresIn() int {
	return int(t.ExpiresAt.Sub(t.IssuedAt) / time.Second)
}

// Issuer signs delegated tokens with the provider's active credential.
type Issuer struct {
	cfg      IssuerConfig
	provider CredentialProvider
	newID    func() string
	now      func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig, provider CredentialProvider) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}
	if provider == nil {
		return nil, errors.New("credential provider is required")
	}
	return &Issuer{
		cfg:      cfg,
		provider: provider,
		newID:    uuid.NewString,
		now:      time.Now,
	}, nil
}

// Issue builds and signs a new token. The subject and token id are fresh
// random values on every call, never taken from the subject token.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Token, error) {
	cred, err := i.provider.ActiveCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get active credential: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(cred.Algorithm),
			Key:       jose.JSONWebKey{Key: cred.Key, KeyID: cred.KeyID},
		},
		(&jose.SignerOptions{}).
			WithType(TokenType).
			WithHeader(headerCertificateThumbprint, encodeThumbprint(cred.CertificateThumbprint())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	now := i.now().UTC().Truncate(time.Second)
	token := &Token{
		Subject:   i.newID(),
		ID:        i.newID(),
		Scope:     i.cfg.Scope,
		KeyID:     cred.KeyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.cfg.Lifetime),
	}

	propagated := make(map[string]any, len(req.Claims))
	for name, value := range req.Claims {
		if _, reserved := reservedClaims[name]; !reserved {
			propagated[name] = value
		}
	}

	registered := josejwt.Claims{
		Issuer:    i.cfg.Issuer,
		Subject:   token.Subject,
		Audience:  josejwt.Audience{i.cfg.Audience},
		Expiry:    josejwt.NewNumericDate(token.ExpiresAt),
		NotBefore: josejwt.NewNumericDate(now),
		IssuedAt:  josejwt.NewNumericDate(now),
		ID:        token.ID,
	}
	extra := map[string]any{"scope": i.cfg.Scope}
	if req.ClientID != "" {
		extra["client_id"] = req.ClientID
	}

	raw, err := josejwt.Signed(signer).
		Claims(propagated).
		Claims(registered).
		Claims(extra).
		Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	token.Raw = raw
	return token, nil
}
