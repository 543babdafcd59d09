// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmailValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last@sub.example.co.uk", true},
		{"user+tag@example.org", true},
		{"user@localhost", false},
		{"us er@example.com", false},
		{"user@ex..com", false},
		{"a@b.c", false},
		{"user.@example.com", false},
		{".user@example.com", false},
		{"Alice <alice@example.com>", false},
		{"user@", false},
		{"@example.com", false},
		{"", false},
		{"plainaddress", false},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsEmailValid(tt.email))
		})
	}
}
