// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package signing manages the service's own signing credentials and issues
// delegated tokens signed with the active one.
package signing

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_credential_provider.go -package=mocks -source=credential.go CredentialProvider

// ErrNoActiveCredential is returned when no credential is valid at the requested time.
var ErrNoActiveCredential = errors.New("no signing credential is currently valid")

// Credential is a private key and the certificate that binds it. It contains
// private key material and must not be exposed.
type Credential struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID string
	// Algorithm is the JWS algorithm derived from the key type.
	Algorithm   string
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// NotBefore is the start of the certificate validity window.
func (c *Credential) NotBefore() time.Time {
	return c.Certificate.NotBefore
}

// NotAfter is the end of the certificate validity window.
func (c *Credential) NotAfter() time.Time {
	return c.Certificate.NotAfter
}

// ValidAt reports whether t lies within the certificate validity window.
func (c *Credential) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore()) && !t.After(c.NotAfter())
}

// CertificateThumbprint returns the SHA-256 digest of the DER certificate.
func (c *Credential) CertificateThumbprint() []byte {
	sum := sha256.Sum256(c.Certificate.Raw)
	return sum[:]
}

// CredentialProvider is the source of signing credentials across rotations.
type CredentialProvider interface {
	// ActiveCredential returns the credential new tokens are signed with.
	// Returns ErrNoActiveCredential if none is valid now.
	ActiveCredential(ctx context.Context) (*Credential, error)

	// CredentialsValidAt returns every credential valid at t, newest first.
	CredentialsValidAt(ctx context.Context, t time.Time) ([]*Credential, error)
}
