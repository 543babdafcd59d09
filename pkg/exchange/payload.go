// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"fmt"
	"strings"
)

const (
	// GrantTypeTokenExchange is the RFC 8693 token exchange grant type.
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// TokenTypeAccessToken is the only accepted subject token type.
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeBearer is the token_type of issued tokens.
	TokenTypeBearer = "Bearer"
)

// Request is a token exchange request as received from the caller.
type Request struct {
	GrantType        string
	SubjectTokenType string
	// Assertion is the subject token.
	Assertion string
	Scope     string
	Audience  string
	ClientID  string
}

// String returns a representation safe for logging, with the assertion redacted.
func (r Request) String() string {
	assertion := "<empty>"
	if r.Assertion != "" {
		assertion = "[REDACTED]"
	}
	return fmt.Sprintf("Request{GrantType: %s, SubjectTokenType: %s, Assertion: %s, Scope: %s, Audience: %s, ClientID: %s}",
		r.GrantType, r.SubjectTokenType, assertion, r.Scope, r.Audience, r.ClientID)
}

// ValidatePayload checks the fixed-grammar fields of req in order and stops
// at the first mismatch. It returns whether the payload is valid and, if not,
// a human readable reason and the error code for the response.
func ValidatePayload(req Request, cfg Config) (valid bool, reason, code string) {
	if req.GrantType != GrantTypeTokenExchange {
		return false, "grant_type parameter has an incorrect value, expected " + GrantTypeTokenExchange,
			CodeUnsupportedGrantType
	}
	if !strings.EqualFold(req.SubjectTokenType, TokenTypeAccessToken) {
		return false, "subject_token_type parameter has an incorrect value, expected " + TokenTypeAccessToken,
			CodeInvalidRequest
	}
	if req.Audience != cfg.Audience {
		return false, "OAuth token exchange client_id parameter has an incorrect value", CodeInvalidClient
	}
	if !strings.EqualFold(req.Scope, cfg.Scope) {
		return false, "scope parameter has an incorrect value", CodeInvalidScope
	}
	return true, "", ""
}
