// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned in the error field of a rejected exchange.
const (
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidScope         = "invalid_scope"
	// CodeIncorrectClaims is used when the subject does not map to a local account.
	CodeIncorrectClaims = "assertion has incorrect claims"
	// CodeServerError is used when a token could not be issued after every
	// validation gate passed.
	CodeServerError = "server_error"
)

// Descriptions for rejections that do not come from the payload gate.
const (
	DescriptionMissingUsername  = "assertion is missing the preferred_username claim"
	DescriptionNotDelegated     = "assertion is not a delegated access token"
	DescriptionIncorrectEmail   = "incorrect email used in preferred user name"
	DescriptionUserDoesNotExist = "user does not exist"
	DescriptionUserUnverifiable = "user could not be verified"
	DescriptionIssueFailed      = "token could not be issued"
	DescriptionMalformedRequest = "request body must be a form-encoded token exchange request"
)

// Caller-safe descriptions of subject token validation failures. The
// underlying library error is only logged.
const (
	ReasonMalformed        = "access token is malformed"
	ReasonSignatureInvalid = "access token signature is invalid"
	ReasonIssuerInvalid    = "access token issuer is invalid"
	ReasonAudienceInvalid  = "access token audience is invalid"
	ReasonExpired          = "access token has expired"
	ReasonNotYetValid      = "access token is not yet valid"
	ReasonValidationFailed = "access token validation failed"
)

// Error is a rejected exchange. Code and Description are returned to the
// caller; Cause is only logged.
type Error struct {
	Code        string
	Description string
	// Stage is the last state the exchange reached before it was rejected.
	Stage State
	Cause error

	Timestamp     time.Time
	CorrelationID string
	TraceID       string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsServerError reports whether the rejection is an internal failure rather
// than a property of the request.
func (e *Error) IsServerError() bool {
	return e.Code == CodeServerError
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ValidationError is a subject token validation failure. Reason is one of
// the caller-safe Reason* values.
type ValidationError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Cause.Error()
}

// Unwrap returns the library error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}
