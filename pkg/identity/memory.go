// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store seeded from configuration.
// Usernames are matched case-insensitively.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore returns a MemoryStore holding the given users.
func NewMemoryStore(users ...User) (*MemoryStore, error) {
	s := &MemoryStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		if err := s.Put(u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a user.
func (s *MemoryStore) Put(u User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if u.Username == "" {
		return fmt.Errorf("username is required for user %s", u.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[normalize(u.Username)] = u
	return nil
}

// GetUserByUsername implements Store.
func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[normalize(username)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

var _ Store = (*MemoryStore)(nil)
