// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 512

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// HTTPError is a non-200 response from a metadata endpoint.
type HTTPError struct {
	StatusCode int
	// Body is a preview of the response body.
	Body string
	URL  string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// FetchOption configures a FetchJSON call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	headers         http.Header
	maxResponseSize int64
}

// WithHeader sets a request header.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithMaxResponseSize caps the number of body bytes read.
func WithMaxResponseSize(size int64) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxResponseSize = size
	}
}

// FetchJSON issues a GET for requestURL and decodes the JSON body into T.
// Non-200 responses yield an *HTTPError; a non-JSON Content-Type is an error.
func FetchJSON[T any](ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) (*T, error) {
	options := &fetchOptions{
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = options.headers

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: preview, URL: requestURL}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), ContentTypeJSON) {
		return nil, fmt.Errorf("unexpected content type: %s", contentType)
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return &data, nil
}
