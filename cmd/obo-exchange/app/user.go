// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stacklok/obo-exchange/pkg/config"
	"github.com/stacklok/obo-exchange/pkg/identity"
	"github.com/stacklok/obo-exchange/pkg/logger"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts in the identity store",
	}
	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserGetCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a local account to a redis or sqlite identity store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			user := identity.User{ID: id, Username: strings.TrimSpace(args[0])}
			if err := addUser(cmd.Context(), cfg.IdentityStore, user); err != nil {
				return err
			}
			logger.Infow("user added", "id", user.ID, "store", cfg.IdentityStore.Type)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Account id (a random UUID when empty)")
	return cmd
}

func newUserGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <username>",
		Short: "Look up a local account by username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := identity.Open(cmd.Context(), cfg.IdentityStore)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			user, err := identity.NewResolver(store, cfg.IdentityStore.LookupTimeout).Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.ID, user.Username)
			return err
		},
	}
}

type userCreator interface {
	CreateUser(ctx context.Context, u identity.User) error
}

func addUser(ctx context.Context, cfg config.IdentityStoreConfig, user identity.User) error {
	switch cfg.Type {
	case config.StoreTypeRedis, config.StoreTypeSQLite:
	default:
		return errors.New("users can only be added to redis or sqlite identity stores; " +
			"memory store users are configured under identityStore.users")
	}

	store, closeStore, err := identity.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	creator, ok := store.(userCreator)
	if !ok {
		return fmt.Errorf("identity store %T does not accept new users", store)
	}
	if err := creator.CreateUser(ctx, user); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return fmt.Errorf("user %q already exists", user.Username)
		}
		return err
	}
	return nil
}
