// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"net/mail"
	"slices"
	"strings"
	"unicode"
)

// IsEmailValid reports whether candidate is a bare RFC 5322 mailbox whose
// host has at least two labels, no empty label and a top-level label of two
// or more characters, and whose local part has neither whitespace nor empty
// dot-separated segments.
func IsEmailValid(candidate string) bool {
	addr, err := mail.ParseAddress(candidate)
	if err != nil || addr.Name != "" || addr.Address != candidate {
		return false
	}

	at := strings.LastIndex(addr.Address, "@")
	if at < 0 {
		return false
	}
	local, host := addr.Address[:at], addr.Address[at+1:]

	labels := strings.Split(host, ".")
	if len(labels) == 1 {
		return false
	}
	if slices.Contains(labels, "") {
		return false
	}
	if len(labels[len(labels)-1]) < 2 {
		return false
	}

	if strings.ContainsFunc(local, unicode.IsSpace) {
		return false
	}
	return !slices.Contains(strings.Split(local, "."), "")
}
