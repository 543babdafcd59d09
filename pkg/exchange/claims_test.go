// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClaims_IsDelegatedAccessToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		claims Claims
		want   bool
	}{
		{name: "short names", claims: Claims{"oid": "o", "scp": "s"}, want: true},
		{
			name: "long names",
			claims: Claims{
				"http://schemas.microsoft.com/identity/claims/objectidentifier": "o",
				"http://schemas.microsoft.com/identity/claims/scope":            "s",
			},
			want: true,
		},
		{
			name:   "mixed names",
			claims: Claims{"http://schemas.microsoft.com/identity/claims/objectidentifier": "o", "scp": "s"},
			want:   true,
		},
		{name: "object id only", claims: Claims{"oid": "o"}},
		{name: "scope only", claims: Claims{"scp": "s"}},
		{name: "null values", claims: Claims{"oid": nil, "scp": nil}},
		{name: "application token", claims: Claims{"oid": "o", "roles": []any{"r"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.claims.IsDelegatedAccessToken())
		})
	}
}

func TestClaims_Accessors(t *testing.T) {
	t.Parallel()

	c := Claims{
		"preferred_username": "alice@example.com",
		"azp":                "client-a",
		"azpacr":             "2",
		"sub":                42,
	}
	assert.Equal(t, "alice@example.com", c.PreferredUsername())
	assert.Equal(t, "client-a", c.AuthorizedParty())
	assert.Equal(t, "2", c.AuthorizedPartyACR())
	assert.Empty(t, c.String(ClaimAliases{"sub"}), "non-string values are not strings")
	assert.Empty(t, Claims{}.PreferredUsername())
}
