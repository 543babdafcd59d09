// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client calls the token exchange endpoint of an obo-exchange server
// and exposes the result as an oauth2.TokenSource.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/logger"
	"github.com/stacklok/obo-exchange/pkg/server"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize bounds how much of a response body is read (1 MB).
	maxResponseBodySize = 1 << 20

	// ExtraIssuedTokenType is the oauth2.Token extra holding issued_token_type.
	ExtraIssuedTokenType = "issued_token_type"
	// ExtraScope is the oauth2.Token extra holding the granted scope.
	ExtraScope = "scope"
)

var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// Error is a rejection returned by the server. It carries the identifiers
// needed to find the matching server log line.
type Error struct {
	StatusCode    int
	Code          string
	Description   string
	Timestamp     string
	CorrelationID string
	TraceID       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("token exchange rejected %q (status %d, correlation_id %s): %s",
		e.Code, e.StatusCode, e.CorrelationID, e.Description)
}

// Config holds what is needed to exchange a subject token.
type Config struct {
	// Endpoint is either the server base URL or the full token exchange URL.
	Endpoint string

	// ClientID is sent as the audience of the exchange request.
	ClientID string

	// Scope is the downstream scope to request.
	Scope string

	// SubjectTokenProvider returns the delegated access token to exchange.
	// It is called on every exchange so tokens can be loaded lazily.
	SubjectTokenProvider func() (string, error)

	// HTTPClient is used for exchange requests. If nil a client with a 30s
	// timeout is used.
	HTTPClient *http.Client
}

// Validate checks that the required fields are set.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("Endpoint is required")
	}
	if c.ClientID == "" {
		return errors.New("ClientID is required")
	}
	if c.Scope == "" {
		return errors.New("Scope is required")
	}
	if c.SubjectTokenProvider == nil {
		return errors.New("SubjectTokenProvider is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("Endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("Endpoint must be an http or https URL, got %q", c.Endpoint)
	}
	return nil
}

// tokenURL returns the token exchange URL, appending the well known path when
// Endpoint is a bare base URL.
func (c *Config) tokenURL() string {
	endpoint := strings.TrimSuffix(c.Endpoint, "/")
	if strings.HasSuffix(endpoint, server.TokenExchangePath) {
		return endpoint
	}
	return endpoint + server.TokenExchangePath
}

type tokenSource struct {
	ctx  context.Context
	conf *Config
}

// Token performs one exchange.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	return Exchange(ts.ctx, ts.conf)
}

// TokenSource returns an oauth2.TokenSource that reuses the issued token until
// it expires and then exchanges a fresh subject token.
func (c *Config) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, conf: c})
}

// Client returns an HTTP client that authorizes every request with an
// exchanged token.
func (c *Config) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}

// Exchange trades the subject token from conf for a downstream access token.
func Exchange(ctx context.Context, conf *Config) (*oauth2.Token, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	subjectToken, err := conf.SubjectTokenProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject token: %w", err)
	}
	if subjectToken == "" {
		return nil, errors.New("subject token is empty")
	}

	req, err := newExchangeRequest(ctx, conf.tokenURL(), buildFormData(conf, subjectToken))
	if err != nil {
		return nil, err
	}

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	body, err := execute(httpClient, req)
	if err != nil {
		return nil, err
	}

	return parseTokenResponse(body)
}

func buildFormData(conf *Config, subjectToken string) url.Values {
	data := url.Values{}
	data.Set("grant_type", exchange.GrantTypeTokenExchange)
	data.Set("subject_token_type", exchange.TokenTypeAccessToken)
	data.Set("assertion", subjectToken)
	data.Set("scope", conf.Scope)
	data.Set("audience", conf.ClientID)
	return data
}

func newExchangeRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func execute(httpClient *http.Client, req *http.Request) ([]byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token exchange response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return body, nil
	}
	if rejection := parseError(resp.StatusCode, body); rejection != nil {
		logger.Debugw("token exchange rejected",
			"error", rejection.Code,
			"correlation_id", rejection.CorrelationID,
			"trace_id", rejection.TraceID)
		return nil, rejection
	}
	logger.Debugw("token exchange failed", "status", resp.StatusCode)
	return nil, fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
}

// parseError returns nil when body is not a server error document.
func parseError(statusCode int, body []byte) *Error {
	var doc server.ErrorResponse
	if err := json.Unmarshal(body, &doc); err != nil || doc.Error == "" {
		return nil
	}
	return &Error{
		StatusCode:    statusCode,
		Code:          doc.Error,
		Description:   doc.ErrorDescription,
		Timestamp:     doc.Timestamp,
		CorrelationID: doc.CorrelationID,
		TraceID:       doc.TraceID,
	}
}

func parseTokenResponse(body []byte) (*oauth2.Token, error) {
	var resp server.TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		logger.Debugw("failed to parse token exchange response", "error", err)
		return nil, errors.New("failed to parse token exchange response")
	}

	if resp.AccessToken == "" {
		return nil, errors.New("token exchange: server returned empty access_token")
	}
	if resp.TokenType == "" {
		return nil, errors.New("token exchange: server returned empty token_type")
	}
	if resp.IssuedTokenType == "" {
		return nil, errors.New("token exchange: server returned empty issued_token_type")
	}

	token := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		ExtraIssuedTokenType: resp.IssuedTokenType,
		ExtraScope:           resp.Scope,
	}), nil
}
