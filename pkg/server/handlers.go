// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/signing"
)

// JWKSCacheMaxAge is the Cache-Control max-age of the JWKS endpoint.
const JWKSCacheMaxAge = 3600

const formContentType = "application/x-www-form-urlencoded"

// Form field names of the token exchange request.
const (
	fieldGrantType        = "grant_type"
	fieldSubjectTokenType = "subject_token_type"
	fieldAssertion        = "assertion"
	fieldSubjectToken     = "subject_token"
	fieldScope            = "scope"
	fieldAudience         = "audience"
	fieldClientID         = "client_id"
)

var errUnsupportedContentType = errors.New("content type must be " + formContentType)

// TokenResponse is the body of a successful exchange.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// ErrorResponse is the body of a rejected exchange.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Timestamp        string `json:"timestamp"`
	CorrelationID    string `json:"correlation_id"`
	TraceID          string `json:"trace_id"`
}

func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)

	req, err := parseExchangeRequest(r)
	if err != nil {
		exErr := s.exchanger.RejectRequest(r.Context(), err)
		s.metrics.ObserveExchange(exErr.Code, time.Since(start))
		s.writeError(w, exErr)
		return
	}

	resp, err := s.exchanger.Exchange(r.Context(), req)
	if err != nil {
		exErr, ok := exchange.AsError(err)
		if !ok {
			// Exchanger contract violation: never answer with an undefined body.
			s.logger.Error("token exchange failed without an exchange error", "error", err)
			exErr = &exchange.Error{
				Code:        exchange.CodeServerError,
				Description: exchange.DescriptionIssueFailed,
				Cause:       err,
				Timestamp:   time.Now().UTC(),
			}
		}
		s.metrics.ObserveExchange(exErr.Code, time.Since(start))
		s.writeError(w, exErr)
		return
	}

	s.metrics.ObserveExchange(OutcomeSuccess, time.Since(start))
	s.writeNoStoreJSON(w, http.StatusOK, TokenResponse{
		AccessToken:     resp.AccessToken,
		IssuedTokenType: resp.IssuedTokenType,
		TokenType:       resp.TokenType,
		ExpiresIn:       resp.ExpiresIn,
		Scope:           resp.Scope,
	})
}

// parseExchangeRequest reads the form fields of a token exchange request.
// The assertion falls back to the RFC 8693 subject_token field and the
// audience to client_id.
func parseExchangeRequest(r *http.Request) (exchange.Request, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mediaType, formContentType) {
		return exchange.Request{}, errUnsupportedContentType
	}
	if err := r.ParseForm(); err != nil {
		return exchange.Request{}, fmt.Errorf("failed to parse form: %w", err)
	}

	form := r.PostForm
	assertion := form.Get(fieldAssertion)
	if assertion == "" {
		assertion = form.Get(fieldSubjectToken)
	}
	audience := form.Get(fieldAudience)
	if audience == "" {
		audience = form.Get(fieldClientID)
	}

	return exchange.Request{
		GrantType:        form.Get(fieldGrantType),
		SubjectTokenType: form.Get(fieldSubjectTokenType),
		Assertion:        assertion,
		Scope:            form.Get(fieldScope),
		Audience:         audience,
		ClientID:         form.Get(fieldClientID),
	}, nil
}

// statusFor maps an exchange error to its HTTP status. Every validation
// failure is a 401; only a failure to issue the token is the server's fault.
func statusFor(exErr *exchange.Error) int {
	if exErr.IsServerError() {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

func (s *Server) writeError(w http.ResponseWriter, exErr *exchange.Error) {
	s.writeNoStoreJSON(w, statusFor(exErr), ErrorResponse{
		Error:            exErr.Code,
		ErrorDescription: exErr.Description,
		Timestamp:        exErr.Timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID:    exErr.CorrelationID,
		TraceID:          exErr.TraceID,
	})
}

func (s *Server) writeNoStoreJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	// Headers are already written; an encoding failure can only be logged.
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// handleJWKS publishes the public keys of every credential valid now.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := signing.PublicJWKS(r.Context(), s.credentials, time.Now())
	if err != nil {
		s.logger.Error("failed to build JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		s.logger.Error("failed to encode JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", JWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// handleHealth answers 204 when every dependency check passes and 503 with
// the failing check names otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var failing []string
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		http.Error(w, "unhealthy: "+strings.Join(failing, ", "), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
