// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the on-behalf-of token exchange grant: a
// subject token issued by a trusted identity provider is validated, its user
// is matched to a local account and a new token for a different audience is
// issued for that user.
package exchange

//go:generate mockgen -destination=mocks/mock_exchange.go -package=mocks -source=exchange.go MetadataResolver,IdentityResolver,TokenIssuer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/obo-exchange/pkg/auth/oidc"
	"github.com/stacklok/obo-exchange/pkg/identity"
	"github.com/stacklok/obo-exchange/pkg/signing"
)

// Span attribute keys set on the exchange span.
const (
	attrErrorCode     = "obo.error"
	attrStage         = "obo.stage"
	attrCorrelationID = "obo.correlation_id"
	attrTraceID       = "obo.trace_id"
	attrTokenID       = "obo.token_id"
)

const instrumentationName = "github.com/stacklok/obo-exchange/pkg/exchange"

// State is a step of the exchange state machine.
type State int

// Exchange states in the order they are reached.
const (
	StateReceivedRequest State = iota
	StatePayloadValidated
	StateMetadataResolved
	StateTokenValidated
	StateClaimsExtracted
	StateUsernameValidated
	StateIdentityResolved
	StateTokenIssued
	StateRejected
)

var stateNames = [...]string{
	StateReceivedRequest:   "ReceivedRequest",
	StatePayloadValidated:  "PayloadValidated",
	StateMetadataResolved:  "MetadataResolved",
	StateTokenValidated:    "TokenValidated",
	StateClaimsExtracted:   "ClaimsExtracted",
	StateUsernameValidated: "UsernameValidated",
	StateIdentityResolved:  "IdentityResolved",
	StateTokenIssued:       "TokenIssued",
	StateRejected:          "Rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Config is the exchange configuration, fixed for the lifetime of the process.
type Config struct {
	// Audience is the value the audience request field must carry.
	Audience string
	// Scope is the scope of issued tokens; the scope request field must match it.
	Scope string

	// AccessTokenAuthority is the trusted issuer of subject tokens.
	AccessTokenAuthority string
	// AccessTokenAudience is the audience subject tokens must be issued for.
	AccessTokenAudience string

	ClockSkew time.Duration

	// RequireDelegatedToken rejects subject tokens that were not issued on
	// behalf of a user.
	RequireDelegatedToken bool

	// LogPII adds usernames and raw assertions to debug logs.
	LogPII bool
}

// MetadataResolver provides the identity provider's current signing keys.
type MetadataResolver interface {
	Resolve(ctx context.Context) (*oidc.Metadata, error)
}

// IdentityResolver maps a username to an existing local account.
type IdentityResolver interface {
	Resolve(ctx context.Context, username string) (*identity.User, error)
}

// TokenIssuer signs delegated tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, req signing.IssueRequest) (*signing.Token, error)
}

// Response is a successful exchange.
type Response struct {
	AccessToken     string
	TokenType       string
	IssuedTokenType string
	ExpiresIn       int
	Scope           string

	// Subject and TokenID identify the issued token for auditing.
	Subject string
	TokenID string
}

// Exchanger runs token exchanges. It is safe for concurrent use.
type Exchanger struct {
	cfg        Config
	metadata   MetadataResolver
	validator  *TokenValidator
	identities IdentityResolver
	issuer     TokenIssuer
	logger     *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewExchanger creates an Exchanger. A nil logger means slog.Default().
func NewExchanger(
	cfg Config,
	metadata MetadataResolver,
	identities IdentityResolver,
	issuer TokenIssuer,
	logger *slog.Logger,
) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		cfg:        cfg,
		metadata:   metadata,
		validator:  NewTokenValidator(cfg.AccessTokenAuthority, cfg.AccessTokenAudience, cfg.ClockSkew),
		identities: identities,
		issuer:     issuer,
		logger:     logger,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Exchange validates req and issues a delegated token. Every gate must pass
// in order; the first failure is returned as an *Error and no later gate runs.
func (e *Exchanger) Exchange(ctx context.Context, req Request) (*Response, error) {
	// The tracer comes from the caller's span so the exchange span joins the
	// request trace without global state.
	ctx, span := trace.SpanFromContext(ctx).TracerProvider().Tracer(instrumentationName).
		Start(ctx, "exchange.Exchange")
	defer span.End()

	state := StateReceivedRequest

	if valid, reason, code := ValidatePayload(req, e.cfg); !valid {
		return nil, e.reject(ctx, state, code, reason, nil, req.Assertion, "")
	}
	state = StatePayloadValidated

	md, err := e.metadata.Resolve(ctx)
	if err != nil {
		return nil, e.reject(ctx, state, CodeInvalidRequest, ReasonValidationFailed, err, req.Assertion, "")
	}
	state = StateMetadataResolved

	claims, err := e.validator.Validate(req.Assertion, md.Keys)
	if err != nil {
		reason := ReasonValidationFailed
		var verr *ValidationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		return nil, e.reject(ctx, state, CodeInvalidRequest, reason, err, req.Assertion, "")
	}
	state = StateTokenValidated

	username := claims.PreferredUsername()
	if username == "" {
		return nil, e.reject(ctx, state, CodeInvalidRequest, DescriptionMissingUsername, nil, req.Assertion, "")
	}
	if e.cfg.RequireDelegatedToken && !claims.IsDelegatedAccessToken() {
		return nil, e.reject(ctx, state, CodeInvalidRequest, DescriptionNotDelegated, nil, "", username)
	}
	state = StateClaimsExtracted

	if !IsEmailValid(username) {
		return nil, e.reject(ctx, state, CodeInvalidRequest, DescriptionIncorrectEmail, nil, "", username)
	}
	state = StateUsernameValidated

	user, err := e.identities.Resolve(ctx, username)
	if err != nil {
		description := DescriptionUserUnverifiable
		if errors.Is(err, identity.ErrNotFound) {
			description = DescriptionUserDoesNotExist
		}
		return nil, e.reject(ctx, state, CodeIncorrectClaims, description, err, "", username)
	}
	state = StateIdentityResolved

	token, err := e.issuer.Issue(ctx, signing.IssueRequest{
		ClientID: e.cfg.AccessTokenAudience,
		Claims:   claims,
	})
	if err != nil {
		return nil, e.reject(ctx, state, CodeServerError, DescriptionIssueFailed, err, "", username)
	}

	span.SetAttributes(
		attribute.String(attrStage, StateTokenIssued.String()),
		attribute.String(attrTokenID, token.ID),
	)
	span.SetStatus(codes.Ok, "")

	e.logger.Info("OBO new access token returned",
		"sub", token.Subject,
		"jti", token.ID,
		"azp", claims.AuthorizedParty(),
		"azpacr", claims.AuthorizedPartyACR(),
		"state", StateTokenIssued,
	)
	if e.cfg.LogPII {
		e.logger.Debug("OBO new access token returned for user",
			"sub", token.Subject,
			"username", username,
			"user_id", user.ID,
		)
	}

	return &Response{
		AccessToken:     token.Raw,
		TokenType:       TokenTypeBearer,
		IssuedTokenType: TokenTypeAccessToken,
		ExpiresIn:       token.ExpiresIn(),
		Scope:           req.Scope,
		Subject:         token.Subject,
		TokenID:         token.ID,
	}, nil
}

// RejectRequest records a request whose body could not be read as a token
// exchange form and returns the error to send back.
func (e *Exchanger) RejectRequest(ctx context.Context, cause error) *Error {
	return e.reject(ctx, StateReceivedRequest, CodeInvalidRequest, DescriptionMalformedRequest, cause, "", "")
}

// reject builds the error for a failure at stage and logs it with fresh
// correlation and trace identifiers. assertion and username are only logged
// when PII logging is enabled.
func (e *Exchanger) reject(
	ctx context.Context, stage State, code, description string, cause error, assertion, username string,
) *Error {
	exErr := &Error{
		Code:          code,
		Description:   description,
		Stage:         stage,
		Cause:         cause,
		Timestamp:     e.now().UTC(),
		CorrelationID: e.newID(),
		TraceID:       e.newID(),
	}

	attrs := []any{
		"error", exErr.Code,
		"error_description", exErr.Description,
		"correlation_id", exErr.CorrelationID,
		"trace_id", exErr.TraceID,
		"stage", stage,
	}
	if cause != nil {
		attrs = append(attrs, "cause", cause.Error())
	}
	e.logger.Info("token exchange rejected", attrs...)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(attrErrorCode, exErr.Code),
		attribute.String(attrStage, stage.String()),
		attribute.String(attrCorrelationID, exErr.CorrelationID),
		attribute.String(attrTraceID, exErr.TraceID),
	)
	if cause != nil {
		span.RecordError(cause)
	}
	span.SetStatus(codes.Error, exErr.Description)

	if e.cfg.LogPII {
		switch {
		case assertion != "":
			e.logger.Debug("token exchange rejected for assertion",
				"correlation_id", exErr.CorrelationID, "assertion", assertion)
		case username != "":
			e.logger.Debug("token exchange rejected for user",
				"correlation_id", exErr.CorrelationID, "username", username)
		}
	}
	return exErr
}
