// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// DefaultAlgorithm is the algorithm of generated keys.
const DefaultAlgorithm = "ES256"

// DefaultGeneratedValidity is the validity of a generated self-signed certificate.
const DefaultGeneratedValidity = 365 * 24 * time.Hour

// CredentialFile is a certificate and private key pair on disk.
type CredentialFile struct {
	CertificateFile string
	KeyFile         string
}

// FileProvider serves credentials loaded from PEM files. The active
// credential is the one valid now with the most recent NotBefore, so a new
// certificate takes over as soon as its validity window opens.
// Files are loaded once at construction time; changes require restart.
type FileProvider struct {
	credentials []*Credential
	now         func() time.Time
}

// NewFileProvider loads every pair in files. Relative paths are resolved
// against keyDir.
func NewFileProvider(keyDir string, files []CredentialFile) (*FileProvider, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}

	credentials := make([]*Credential, 0, len(files))
	for i, f := range files {
		cred, err := loadCredential(resolvePath(keyDir, f.KeyFile), resolvePath(keyDir, f.CertificateFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load credential %d (%s): %w", i, f.CertificateFile, err)
		}
		credentials = append(credentials, cred)
	}

	return &FileProvider{credentials: credentials, now: time.Now}, nil
}

// NewStaticProvider serves the given credentials.
func NewStaticProvider(credentials ...*Credential) *FileProvider {
	return &FileProvider{credentials: credentials, now: time.Now}
}

func resolvePath(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func loadCredential(keyPath, certPath string) (*Credential, error) {
	key, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	cert, err := LoadCertificate(certPath)
	if err != nil {
		return nil, err
	}
	return NewCredential(key, cert)
}

// ActiveCredential returns the credential valid now with the latest NotBefore.
func (p *FileProvider) ActiveCredential(ctx context.Context) (*Credential, error) {
	valid, err := p.CredentialsValidAt(ctx, p.now())
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, ErrNoActiveCredential
	}
	return valid[0], nil
}

// CredentialsValidAt returns the credentials valid at t, newest first.
func (p *FileProvider) CredentialsValidAt(_ context.Context, t time.Time) ([]*Credential, error) {
	valid := make([]*Credential, 0, len(p.credentials))
	for _, c := range p.credentials {
		if c.ValidAt(t) {
			valid = append(valid, c)
		}
	}
	slices.SortStableFunc(valid, func(a, b *Credential) int {
		return b.NotBefore().Compare(a.NotBefore())
	})
	return valid, nil
}

// GeneratingProvider generates an ephemeral key and self-signed certificate
// on first access. Suitable for development only: tokens signed with it
// cannot be verified after a restart.
type GeneratingProvider struct {
	validity time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	cred *Credential
}

// NewGeneratingProvider creates a provider generating an ES256 credential.
func NewGeneratingProvider(logger *slog.Logger) *GeneratingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratingProvider{validity: DefaultGeneratedValidity, logger: logger}
}

// ActiveCredential returns the generated credential, generating it if needed.
func (p *GeneratingProvider) ActiveCredential(_ context.Context) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cred != nil {
		return p.cred, nil
	}

	cred, err := generateCredential(p.validity)
	if err != nil {
		return nil, err
	}
	p.logger.Warn("generated ephemeral signing credential - tokens will be unverifiable after restart",
		"algorithm", cred.Algorithm,
		"key_id", cred.KeyID,
	)
	p.cred = cred
	return cred, nil
}

// CredentialsValidAt returns the generated credential if it is valid at t.
func (p *GeneratingProvider) CredentialsValidAt(ctx context.Context, t time.Time) ([]*Credential, error) {
	cred, err := p.ActiveCredential(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.ValidAt(t) {
		return nil, nil
	}
	return []*Credential{cred}, nil
}

func generateCredential(validity time.Duration) (*Credential, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	now := time.Now()
	cert, err := SelfSignedCertificate(key, "obo-exchange ephemeral signing", now.Add(-time.Minute), now.Add(validity))
	if err != nil {
		return nil, err
	}
	return NewCredential(key, cert)
}

// SelfSignedCertificate creates a self-signed signing certificate for key.
func SelfSignedCertificate(key crypto.Signer, commonName string, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Compile-time interface checks.
var (
	_ CredentialProvider = (*FileProvider)(nil)
	_ CredentialProvider = (*GeneratingProvider)(nil)
)
