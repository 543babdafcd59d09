// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the username carried by a subject token to a
// user known to the local identity store. Lookups never create users.
package identity

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no user matches the requested username.
var ErrNotFound = errors.New("user not found")

// ErrAlreadyExists is returned when creating a user whose username is taken.
// The sqlite store also rejects a taken id.
var ErrAlreadyExists = errors.New("user already exists")

// User is a user record held by the local identity store.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Store looks up users by their username.
type Store interface {
	// GetUserByUsername returns the user with the given username, or an
	// error wrapping ErrNotFound when there is none.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}
