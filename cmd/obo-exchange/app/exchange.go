// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/obo-exchange/pkg/client"
)

type exchangeOptions struct {
	endpoint         string
	clientID         string
	scope            string
	subjectTokenFile string
	timeout          time.Duration
}

// exchangeResult is printed on success. Expiry is absolute so the output can
// be cached by scripts.
type exchangeResult struct {
	AccessToken     string    `json:"access_token"`
	TokenType       string    `json:"token_type"`
	IssuedTokenType string    `json:"issued_token_type,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	Expiry          time.Time `json:"expiry,omitzero"`
}

func newExchangeCmd() *cobra.Command {
	opts := &exchangeOptions{}
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange a delegated access token against a running server",
		Long: `Exchange a delegated access token against a running obo-exchange server.

The subject token is read from --subject-token-file, or from stdin when the
flag is "-". The issued token is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExchange(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Base URL of the obo-exchange server")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "Client ID sent as the exchange audience")
	cmd.Flags().StringVar(&opts.scope, "scope", "", "Downstream scope to request")
	cmd.Flags().StringVar(&opts.subjectTokenFile, "subject-token-file", "-", "File holding the subject token")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout of the exchange request")
	for _, name := range []string{"endpoint", "client-id", "scope"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runExchange(cmd *cobra.Command, opts *exchangeOptions) error {
	ctx := cmd.Context()
	conf := &client.Config{
		Endpoint: opts.endpoint,
		ClientID: opts.clientID,
		Scope:    opts.scope,
		SubjectTokenProvider: func() (string, error) {
			return readSubjectToken(cmd.InOrStdin(), opts.subjectTokenFile)
		},
	}
	if opts.timeout > 0 {
		conf.HTTPClient = &http.Client{Timeout: opts.timeout}
	}

	token, err := client.Exchange(ctx, conf)
	if err != nil {
		var rejection *client.Error
		if errors.As(err, &rejection) {
			return fmt.Errorf("exchange rejected: %s (%s), correlation_id=%s trace_id=%s",
				rejection.Code, rejection.Description, rejection.CorrelationID, rejection.TraceID)
		}
		return err
	}

	result := exchangeResult{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expiry:      token.Expiry,
	}
	if v, ok := token.Extra(client.ExtraIssuedTokenType).(string); ok {
		result.IssuedTokenType = v
	}
	if v, ok := token.Extra(client.ExtraScope).(string); ok {
		result.Scope = v
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readSubjectToken(stdin io.Reader, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(io.LimitReader(stdin, 1<<20))
	} else {
		raw, err = os.ReadFile(path) // #nosec G304 - path is provided by the operator
	}
	if err != nil {
		return "", fmt.Errorf("failed to read subject token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
