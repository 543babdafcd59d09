// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the obo-exchange command line.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/obo-exchange/pkg/config"
	"github.com/stacklok/obo-exchange/pkg/logger"
	"github.com/stacklok/obo-exchange/pkg/versions"
)

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "obo-exchange",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 on-behalf-of token exchange service",
		Long: `obo-exchange accepts an access token issued by a trusted identity provider,
validates it, maps its user to a local account and issues a new access token
for a downstream audience on that user's behalf.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newExchangeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the token exchange server",
		Long: `Start the token exchange server.

Configuration is read from the file given with --config and from OBO_*
environment variables. The server stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return Run(cmd.Context(), cfg, logger.Get())
		},
	}

	cmd.Flags().String("address", config.DefaultListenAddress, "Address to listen on")
	if err := viper.BindPFlag("server.address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorw("error binding address flag", "error", err)
	}
	cmd.Flags().Bool("log-pii", false, "Include usernames and assertions in debug logs")
	if err := viper.BindPFlag("logPII", cmd.Flags().Lookup("log-pii")); err != nil {
		logger.Errorw("error binding log-pii flag", "error", err)
	}
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and environment.

This command checks:
- Required fields presence
- Metadata address and cache policy
- Identity store settings
- Signing credentials can be loaded`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := newCredentialProvider(cfg.Signing, logger.Get()); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infow("configuration is valid",
				"authority", cfg.Exchange.AccessTokenAuthority,
				"metadata", cfg.Metadata.Address,
				"identity_store", cfg.IdentityStore.Type,
				"credentials", len(cfg.Signing.Credentials),
				"address", cfg.Server.Address,
			)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "obo-exchange %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")
	return cmd
}

func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	cfg, err := config.Load(viper.GetViper(), configPath)
	if err != nil {
		logger.Errorw("failed to load configuration", "path", configPath, "error", err)
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}
