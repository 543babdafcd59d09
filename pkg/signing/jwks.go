// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// PublicJWKS returns the public keys of every credential valid at t, with
// their certificates, so tokens signed before a rotation stay verifiable.
func PublicJWKS(ctx context.Context, provider CredentialProvider, t time.Time) (*jose.JSONWebKeySet, error) {
	creds, err := provider.CredentialsValidAt(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(creds))}
	for _, c := range creds {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:                         c.Key.Public(),
			KeyID:                       c.KeyID,
			Algorithm:                   c.Algorithm,
			Use:                         "sig",
			Certificates:                []*x509.Certificate{c.Certificate},
			CertificateThumbprintSHA256: c.CertificateThumbprint(),
		})
	}
	return set, nil
}

func encodeThumbprint(sum []byte) string {
	return base64.RawURLEncoding.EncodeToString(sum)
}
