// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// SupportedSigningMethods are the asymmetric algorithms accepted for subject tokens.
var SupportedSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// TokenValidator verifies the signature, issuer, audience and lifetime of
// subject tokens as a single check.
type TokenValidator struct {
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// NewTokenValidator creates a validator accepting tokens issued by issuer for
// audience, tolerating skew on lifetime checks.
func NewTokenValidator(issuer, audience string, skew time.Duration) *TokenValidator {
	return &TokenValidator{
		issuer:   issuer,
		audience: audience,
		skew:     skew,
		now:      time.Now,
	}
}

// Validate verifies tokenString against keys and returns its claims. Any
// failure is a *ValidationError carrying a caller-safe reason.
func (v *TokenValidator) Validate(tokenString string, keys jwk.Set) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(SupportedSigningMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, keyFunc(keys))
	if err != nil {
		return nil, &ValidationError{Reason: reasonFor(err), Cause: err}
	}
	if !token.Valid {
		return nil, &ValidationError{Reason: ReasonValidationFailed, Cause: errors.New("token is not valid")}
	}
	return Claims(claims), nil
}

// keyFunc selects the verification key by kid. Tokens without a kid are
// tried against every key in the set.
func keyFunc(keys jwk.Set) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if keys == nil || keys.Len() == 0 {
			return nil, errors.New("no signing keys available")
		}

		if kid, ok := token.Header["kid"].(string); ok && kid != "" {
			key, found := keys.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
			}
			return exportKey(key)
		}

		var set jwt.VerificationKeySet
		for i := range keys.Len() {
			key, ok := keys.Key(i)
			if !ok {
				continue
			}
			raw, err := exportKey(key)
			if err != nil {
				return nil, err
			}
			set.Keys = append(set.Keys, raw)
		}
		return set, nil
	}
}

func exportKey(key jwk.Key) (jwt.VerificationKey, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonIssuerInvalid
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonAudienceInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	default:
		return ReasonValidationFailed
	}
}
