// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Resolver maps a username to a local user with a bounded lookup time.
type Resolver struct {
	store   Store
	timeout time.Duration
}

// NewResolver returns a Resolver over store. A non-positive timeout
// leaves the caller's deadline in charge.
func NewResolver(store Store, timeout time.Duration) *Resolver {
	return &Resolver{store: store, timeout: timeout}
}

// Resolve returns the user for username. ErrNotFound is returned unwrapped
// so callers can tell a missing user apart from a failing store.
func (r *Resolver) Resolve(ctx context.Context, username string) (*User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrNotFound
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	user, err := r.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}
