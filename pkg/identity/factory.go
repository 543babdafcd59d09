// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"

	"github.com/stacklok/obo-exchange/pkg/config"
)

// Open builds the Store selected by cfg. The returned close function
// releases backend connections and is never nil. Only the memory store is
// populated from cfg.Users; redis and sqlite stores are opened as they are.
func Open(ctx context.Context, cfg config.IdentityStoreConfig) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case config.StoreTypeMemory, "":
		users := make([]User, 0, len(cfg.Users))
		for _, u := range cfg.Users {
			users = append(users, User{ID: u.ID, Username: u.Username})
		}
		store, err := NewMemoryStore(users...)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to seed memory identity store: %w", err)
		}
		return store, noop, nil

	case config.StoreTypeRedis:
		store, err := NewRedisStore(ctx, RedisConfig{
			Addr:          cfg.Redis.Addr,
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.SentinelAddrs,
			DB:            cfg.Redis.DB,
			Username:      cfg.Redis.Username,
			Password:      cfg.Redis.Password,
			KeyPrefix:     cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case config.StoreTypeSQLite:
		store, err := NewSQLiteStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	default:
		return nil, noop, fmt.Errorf("unsupported identity store type %q", cfg.Type)
	}
}
