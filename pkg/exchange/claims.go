// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

// Claims is the verified claim set of a subject token.
type Claims map[string]any

// ClaimAliases lists the names a logical claim may appear under, in priority order.
type ClaimAliases []string

// Logical claims read from subject tokens. Identity providers emit either the
// long URN form or the short form depending on their configuration.
var (
	PreferredUsernameClaim  = ClaimAliases{"preferred_username"}
	AuthorizedPartyClaim    = ClaimAliases{"azp"}
	AuthorizedPartyACRClaim = ClaimAliases{"azpacr"}
	ObjectIDClaim           = ClaimAliases{
		"http://schemas.microsoft.com/identity/claims/objectidentifier",
		"oid",
	}
	ScopeClaim = ClaimAliases{
		"http://schemas.microsoft.com/identity/claims/scope",
		"scp",
	}
)

// Lookup returns the value of the first alias present in c.
func (c Claims) Lookup(aliases ClaimAliases) (any, bool) {
	for _, name := range aliases {
		if v, ok := c[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// String returns the first alias present in c with a string value, or "".
func (c Claims) String(aliases ClaimAliases) string {
	for _, name := range aliases {
		if s, ok := c[name].(string); ok {
			return s
		}
	}
	return ""
}

// PreferredUsername returns the preferred_username claim or "".
func (c Claims) PreferredUsername() string {
	return c.String(PreferredUsernameClaim)
}

// AuthorizedParty returns the azp claim or "".
func (c Claims) AuthorizedParty() string {
	return c.String(AuthorizedPartyClaim)
}

// AuthorizedPartyACR returns the azpacr claim or "".
func (c Claims) AuthorizedPartyACR() string {
	return c.String(AuthorizedPartyACRClaim)
}

// IsDelegatedAccessToken reports whether the token was issued to act on
// behalf of a user: both an object identifier and a scope claim are present,
// under any of their aliases.
func (c Claims) IsDelegatedAccessToken() bool {
	_, hasOID := c.Lookup(ObjectIDClaim)
	_, hasScope := c.Lookup(ScopeClaim)
	return hasOID && hasScope
}
