// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package exchange_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/obo-exchange/pkg/auth/oidc"
	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/exchange/mocks"
	"github.com/stacklok/obo-exchange/pkg/identity"
	"github.com/stacklok/obo-exchange/pkg/signing"
	"github.com/stacklok/obo-exchange/pkg/testkit"
)

const (
	clientAudience   = "obo-client"
	requestScope     = "api://downstream/.default"
	subjectAudience  = "api://obo-service"
	downstreamAud    = "api://downstream"
	serviceIssuer    = "https://obo.example.com"
	knownUser        = "alice@example.com"
	knownUserID      = "2c8f3a7e-1111-4c44-9a3e-2b0c5d6e7f80"
	unknownUser      = "bob@example.com"
	issuedTokenLimit = time.Hour
)

type harness struct {
	provider  *testkit.Provider
	exchanger *exchange.Exchanger
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, mutate func(cfg *exchange.Config)) *harness {
	t.Helper()

	provider := testkit.NewProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	resolver, err := oidc.NewResolver(ctx, oidc.Config{
		Address:         provider.Authority(),
		RefreshInterval: 15 * time.Minute,
		CacheTTL:        24 * time.Hour,
		FetchTimeout:    5 * time.Second,
		HTTPClient:      provider.Client(),
	})
	require.NoError(t, err)

	store, err := identity.NewMemoryStore(identity.User{ID: knownUserID, Username: knownUser})
	require.NoError(t, err)

	issuer, err := signing.NewIssuer(signing.IssuerConfig{
		Issuer:   serviceIssuer,
		Audience: downstreamAud,
		Scope:    requestScope,
		Lifetime: issuedTokenLimit,
	}, signing.NewGeneratingProvider(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	cfg := exchange.Config{
		Audience:              clientAudience,
		Scope:                 requestScope,
		AccessTokenAuthority:  provider.Authority(),
		AccessTokenAudience:   subjectAudience,
		ClockSkew:             time.Minute,
		RequireDelegatedToken: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &harness{
		provider:  provider,
		exchanger: exchange.NewExchanger(cfg, resolver, identity.NewResolver(store, time.Second), issuer, logger),
		logs:      logs,
	}
}

func (h *harness) request(t *testing.T, claims jwt.MapClaims) exchange.Request {
	t.Helper()
	return exchange.Request{
		GrantType:        exchange.GrantTypeTokenExchange,
		SubjectTokenType: exchange.TokenTypeAccessToken,
		Assertion:        h.provider.SignToken(t, claims),
		Scope:            requestScope,
		Audience:         clientAudience,
	}
}

func TestExchange_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := h.request(t, h.provider.SubjectClaims(subjectAudience, knownUser))

	resp, err := h.exchanger.Exchange(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, exchange.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, exchange.TokenTypeAccessToken, resp.IssuedTokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, requestScope, resp.Scope)
	require.NotEmpty(t, resp.AccessToken)

	issued := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(resp.AccessToken, issued)
	require.NoError(t, err)
	assert.Equal(t, serviceIssuer, issued["iss"])
	assert.Equal(t, resp.Subject, issued["sub"])
	assert.Equal(t, resp.TokenID, issued["jti"])
	assert.Equal(t, requestScope, issued["scope"])
	assert.Equal(t, subjectAudience, issued["client_id"])
	assert.Equal(t, knownUser, issued["preferred_username"])
	assert.NotEqual(t, "subject-"+knownUser, issued["sub"], "subject is never copied from the assertion")

	logs := h.logs.String()
	assert.Contains(t, logs, "OBO new access token returned")
	assert.Contains(t, logs, resp.TokenID)
	assert.NotContains(t, logs, knownUser, "usernames are only logged when PII logging is on")
	assert.NotContains(t, logs, req.Assertion)
}

func TestExchange_FreshIdentifiersPerExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	claims := h.provider.SubjectClaims(subjectAudience, knownUser)

	first, err := h.exchanger.Exchange(context.Background(), h.request(t, claims))
	require.NoError(t, err)
	second, err := h.exchanger.Exchange(context.Background(), h.request(t, claims))
	require.NoError(t, err)

	assert.NotEqual(t, first.Subject, second.Subject)
	assert.NotEqual(t, first.TokenID, second.TokenID)
	assert.Equal(t, 1, h.provider.DiscoveryHits(), "metadata is served from the snapshot")
}

func TestExchange_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      func(cfg *exchange.Config)
		request     func(t *testing.T, h *harness) exchange.Request
		wantCode    string
		wantDesc    string
		wantStage   exchange.State
		providerOff bool
	}{
		{
			name: "wrong grant type",
			request: func(t *testing.T, h *harness) exchange.Request {
				r := h.request(t, h.provider.SubjectClaims(subjectAudience, knownUser))
				r.GrantType = "password"
				return r
			},
			wantCode:  exchange.CodeUnsupportedGrantType,
			wantStage: exchange.StateReceivedRequest,
		},
		{
			name: "wrong scope",
			request: func(t *testing.T, h *harness) exchange.Request {
				r := h.request(t, h.provider.SubjectClaims(subjectAudience, knownUser))
				r.Scope = "openid"
				return r
			},
			wantCode:  exchange.CodeInvalidScope,
			wantStage: exchange.StateReceivedRequest,
		},
		{
			name: "metadata unavailable",
			request: func(t *testing.T, h *harness) exchange.Request {
				return h.request(t, h.provider.SubjectClaims(subjectAudience, knownUser))
			},
			providerOff: true,
			wantCode:    exchange.CodeInvalidRequest,
			wantDesc:    exchange.ReasonValidationFailed,
			wantStage:   exchange.StatePayloadValidated,
		},
		{
			name: "subject token for another audience",
			request: func(t *testing.T, h *harness) exchange.Request {
				return h.request(t, h.provider.SubjectClaims("api://other", knownUser))
			},
			wantCode:  exchange.CodeInvalidRequest,
			wantDesc:  exchange.ReasonAudienceInvalid,
			wantStage: exchange.StateMetadataResolved,
		},
		{
			name: "expired subject token",
			request: func(t *testing.T, h *harness) exchange.Request {
				c := h.provider.SubjectClaims(subjectAudience, knownUser)
				c["exp"] = time.Now().Add(-5 * time.Minute).Unix()
				return h.request(t, c)
			},
			wantCode:  exchange.CodeInvalidRequest,
			wantDesc:  exchange.ReasonExpired,
			wantStage: exchange.StateMetadataResolved,
		},
		{
			name: "missing preferred_username",
			request: func(t *testing.T, h *harness) exchange.Request {
				c := h.provider.SubjectClaims(subjectAudience, knownUser)
				delete(c, "preferred_username")
				return h.request(t, c)
			},
			wantCode:  exchange.CodeInvalidRequest,
			wantDesc:  exchange.DescriptionMissingUsername,
			wantStage: exchange.StateTokenValidated,
		},
		{
			name: "application token",
			request: func(t *testing.T, h *harness) exchange.Request {
				c := h.provider.SubjectClaims(subjectAudience, knownUser)
				delete(c, "scp")
				return h.request(t, c)
			},
			wantCode:  exchange.CodeInvalidRequest,
			wantDesc:  exchange.DescriptionNotDelegated,
			wantStage: exchange.StateTokenValidated,
		},
		{
			name: "username is not an email",
			request: func(t *testing.T, h *harness) exchange.Request {
				return h.request(t, h.provider.SubjectClaims(subjectAudience, "alice@localhost"))
			},
			wantCode:  exchange.CodeInvalidRequest,
			wantDesc:  exchange.DescriptionIncorrectEmail,
			wantStage: exchange.StateClaimsExtracted,
		},
		{
			name: "unknown user",
			request: func(t *testing.T, h *harness) exchange.Request {
				return h.request(t, h.provider.SubjectClaims(subjectAudience, unknownUser))
			},
			wantCode:  exchange.CodeIncorrectClaims,
			wantDesc:  exchange.DescriptionUserDoesNotExist,
			wantStage: exchange.StateUsernameValidated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.config)
			if tt.providerOff {
				h.provider.SetFailing(true)
			}

			resp, err := h.exchanger.Exchange(context.Background(), tt.request(t, h))
			require.Nil(t, resp)
			exErr, ok := exchange.AsError(err)
			require.True(t, ok, "expected *exchange.Error, got %v", err)

			assert.Equal(t, tt.wantCode, exErr.Code)
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, exErr.Description)
			}
			assert.Equal(t, tt.wantStage, exErr.Stage)
			assert.False(t, exErr.IsServerError())
			assert.NotEmpty(t, exErr.CorrelationID)
			assert.NotEmpty(t, exErr.TraceID)
			assert.NotEqual(t, exErr.CorrelationID, exErr.TraceID)
			assert.WithinDuration(t, time.Now(), exErr.Timestamp, 5*time.Second)
			assert.Contains(t, h.logs.String(), exErr.CorrelationID)
		})
	}
}

func TestExchange_DelegationCheckCanBeDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *exchange.Config) { cfg.RequireDelegatedToken = false })
	c := h.provider.SubjectClaims(subjectAudience, knownUser)
	delete(c, "scp")
	delete(c, "oid")

	_, err := h.exchanger.Exchange(context.Background(), h.request(t, c))
	require.NoError(t, err)
}

func TestExchange_LogPII(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *exchange.Config) { cfg.LogPII = true })

	_, err := h.exchanger.Exchange(context.Background(),
		h.request(t, h.provider.SubjectClaims(subjectAudience, unknownUser)))
	require.Error(t, err)
	assert.Contains(t, h.logs.String(), unknownUser)

	req := h.request(t, h.provider.SubjectClaims(subjectAudience, knownUser))
	req.Scope = "openid"
	_, err = h.exchanger.Exchange(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, h.logs.String(), req.Assertion)
}

// The remaining tests drive the exchanger with mocks to check short-circuiting.

func newMockedExchanger(
	t *testing.T,
) (*exchange.Exchanger, *mocks.MockMetadataResolver, *mocks.MockIdentityResolver, *mocks.MockTokenIssuer, *testkit.Provider) {
	t.Helper()
	ctrl := gomock.NewController(t)
	md := mocks.NewMockMetadataResolver(ctrl)
	ids := mocks.NewMockIdentityResolver(ctrl)
	iss := mocks.NewMockTokenIssuer(ctrl)
	provider := testkit.NewProvider(t)

	ex := exchange.NewExchanger(exchange.Config{
		Audience:              clientAudience,
		Scope:                 requestScope,
		AccessTokenAuthority:  provider.Authority(),
		AccessTokenAudience:   subjectAudience,
		ClockSkew:             time.Minute,
		RequireDelegatedToken: true,
	}, md, ids, iss, slog.New(slog.DiscardHandler))
	return ex, md, ids, iss, provider
}

func providerMetadata(t *testing.T, provider *testkit.Provider) *oidc.Metadata {
	t.Helper()
	keys, err := jwk.Fetch(context.Background(), provider.Server.URL+"/keys", jwk.WithHTTPClient(provider.Client()))
	require.NoError(t, err)
	return &oidc.Metadata{Issuer: provider.Authority(), Keys: keys, FetchedAt: time.Now()}
}

func TestExchange_PayloadFailureSkipsLaterStages(t *testing.T) {
	t.Parallel()

	ex, _, _, _, _ := newMockedExchanger(t)
	// No expectations: any call on the mocks fails the test.
	_, err := ex.Exchange(context.Background(), exchange.Request{GrantType: "password"})
	exErr, ok := exchange.AsError(err)
	require.True(t, ok)
	assert.Equal(t, exchange.CodeUnsupportedGrantType, exErr.Code)
}

func TestExchange_IdentityBackendFailure(t *testing.T) {
	t.Parallel()

	ex, md, ids, _, provider := newMockedExchanger(t)
	md.EXPECT().Resolve(gomock.Any()).Return(providerMetadata(t, provider), nil)
	ids.EXPECT().Resolve(gomock.Any(), knownUser).Return(nil, errors.New("redis: connection refused"))

	_, err := ex.Exchange(context.Background(), exchange.Request{
		GrantType:        exchange.GrantTypeTokenExchange,
		SubjectTokenType: exchange.TokenTypeAccessToken,
		Assertion:        provider.SignToken(t, provider.SubjectClaims(subjectAudience, knownUser)),
		Scope:            requestScope,
		Audience:         clientAudience,
	})
	exErr, ok := exchange.AsError(err)
	require.True(t, ok)
	assert.Equal(t, exchange.CodeIncorrectClaims, exErr.Code)
	assert.Equal(t, exchange.DescriptionUserUnverifiable, exErr.Description)
	assert.Equal(t, exchange.StateUsernameValidated, exErr.Stage)
}

func TestExchange_IssueFailureIsServerError(t *testing.T) {
	t.Parallel()

	ex, md, ids, iss, provider := newMockedExchanger(t)
	md.EXPECT().Resolve(gomock.Any()).Return(providerMetadata(t, provider), nil)
	ids.EXPECT().Resolve(gomock.Any(), knownUser).Return(&identity.User{ID: knownUserID, Username: knownUser}, nil)
	iss.EXPECT().Issue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req signing.IssueRequest) (*signing.Token, error) {
			assert.Equal(t, subjectAudience, req.ClientID)
			assert.Equal(t, knownUser, req.Claims["preferred_username"])
			return nil, fmt.Errorf("failed to get active credential: %w", signing.ErrNoActiveCredential)
		})

	_, err := ex.Exchange(context.Background(), exchange.Request{
		GrantType:        exchange.GrantTypeTokenExchange,
		SubjectTokenType: exchange.TokenTypeAccessToken,
		Assertion:        provider.SignToken(t, provider.SubjectClaims(subjectAudience, knownUser)),
		Scope:            strings.ToUpper(requestScope),
		Audience:         clientAudience,
	})
	exErr, ok := exchange.AsError(err)
	require.True(t, ok)
	assert.True(t, exErr.IsServerError())
	assert.Equal(t, exchange.StateIdentityResolved, exErr.Stage)
	require.ErrorIs(t, err, signing.ErrNoActiveCredential)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ReceivedRequest", exchange.StateReceivedRequest.String())
	assert.Equal(t, "TokenIssued", exchange.StateTokenIssued.String())
	assert.Equal(t, "Unknown", exchange.State(99).String())
}
