// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/obo-exchange/pkg/testkit"
)

const (
	testIssuer   = "https://login.example.com/tenant/v2.0"
	testAudience = "api://obo-service"
)

func newKeySet(t *testing.T, kid string, keys ...*rsa.PrivateKey) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		pub, err := jwk.Import(&k.PublicKey)
		require.NoError(t, err)
		if kid != "" {
			require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
		}
		require.NoError(t, set.AddKey(pub))
	}
	return set
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                testIssuer,
		"aud":                testAudience,
		"sub":                "subject",
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": "alice@example.com",
	}
}

func TestTokenValidator_Validate(t *testing.T) {
	t.Parallel()

	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	keys := newKeySet(t, "k1", signer)

	tests := []struct {
		name       string
		token      func(t *testing.T) string
		keys       jwk.Set
		wantReason string
	}{
		{
			name:  "valid token",
			token: func(t *testing.T) string { return testkit.SignToken(t, signer, "k1", validClaims(now)) },
			keys:  keys,
		},
		{
			name: "expired within clock skew",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c["exp"] = now.Add(-30 * time.Second).Unix()
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys: keys,
		},
		{
			name: "expired beyond clock skew",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c["exp"] = now.Add(-2 * time.Minute).Unix()
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys:       keys,
			wantReason: ReasonExpired,
		},
		{
			name: "not yet valid beyond clock skew",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c["nbf"] = now.Add(5 * time.Minute).Unix()
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys:       keys,
			wantReason: ReasonNotYetValid,
		},
		{
			name: "missing expiry",
			token: func(t *testing.T) string {
				c := validClaims(now)
				delete(c, "exp")
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys:       keys,
			wantReason: ReasonValidationFailed,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c["aud"] = "api://someone-else"
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys:       keys,
			wantReason: ReasonAudienceInvalid,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c["iss"] = "https://evil.example.com"
				return testkit.SignToken(t, signer, "k1", c)
			},
			keys:       keys,
			wantReason: ReasonIssuerInvalid,
		},
		{
			name:       "signed by unknown key with known kid",
			token:      func(t *testing.T) string { return testkit.SignToken(t, other, "k1", validClaims(now)) },
			keys:       keys,
			wantReason: ReasonSignatureInvalid,
		},
		{
			name:       "unknown kid",
			token:      func(t *testing.T) string { return testkit.SignToken(t, signer, "k2", validClaims(now)) },
			keys:       keys,
			wantReason: ReasonSignatureInvalid,
		},
		{
			name:  "no kid tries every key",
			token: func(t *testing.T) string { return testkit.SignToken(t, signer, "", validClaims(now)) },
			keys:  newKeySet(t, "", other, signer),
		},
		{
			name:       "no kid and no matching key",
			token:      func(t *testing.T) string { return testkit.SignToken(t, signer, "", validClaims(now)) },
			keys:       newKeySet(t, "", other),
			wantReason: ReasonSignatureInvalid,
		},
		{
			name:       "empty key set",
			token:      func(t *testing.T) string { return testkit.SignToken(t, signer, "k1", validClaims(now)) },
			keys:       jwk.NewSet(),
			wantReason: ReasonSignatureInvalid,
		},
		{
			name:       "malformed token",
			token:      func(*testing.T) string { return "not-a-jwt" },
			keys:       keys,
			wantReason: ReasonMalformed,
		},
		{
			name: "unsupported algorithm",
			token: func(t *testing.T) string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(now))
				s, err := tok.SignedString([]byte("shared-secret-shared-secret-1234"))
				require.NoError(t, err)
				return s
			},
			keys:       keys,
			wantReason: ReasonSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := NewTokenValidator(testIssuer, testAudience, time.Minute)
			v.now = func() time.Time { return now }

			claims, err := v.Validate(tt.token(t), tt.keys)
			if tt.wantReason == "" {
				require.NoError(t, err)
				assert.Equal(t, "alice@example.com", claims.PreferredUsername())
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantReason, verr.Reason)
		})
	}
}
