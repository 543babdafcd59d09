// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/server"
	"github.com/stacklok/obo-exchange/pkg/telemetry"
)

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
	attrs := make(map[attribute.Key]string)
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	return attrs
}

func findSpan(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	require.Failf(t, "span not found", "no span named %q", name)
	return nil
}

func TestTokenExchange_Tracing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		username   string
		wantStatus int
		wantCode   codes.Code
		wantError  string
		wantStage  string
	}{
		{
			name:       "issued",
			username:   knownUser,
			wantStatus: http.StatusOK,
			wantCode:   codes.Ok,
			wantStage:  exchange.StateTokenIssued.String(),
		},
		{
			name:       "unknown user",
			username:   "bob@example.com",
			wantStatus: http.StatusUnauthorized,
			wantCode:   codes.Error,
			wantError:  exchange.CodeIncorrectClaims,
			wantStage:  exchange.StateUsernameValidated.String(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recorder := tracetest.NewSpanRecorder()
			tp, err := telemetry.NewProvider(context.Background(), telemetry.Config{
				ServiceName:  "obo-exchange",
				SamplingRate: 1,
			}, telemetry.WithSpanProcessor(recorder))
			require.NoError(t, err)
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			s := newStack(t, server.WithMiddleware(tp.Middleware("obo-exchange", server.HealthPath)))
			rec := postForm(t, s.handler, s.form(t, tt.username).Encode(), "application/x-www-form-urlencoded")
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			spans := recorder.Ended()
			root := findSpan(t, spans, "POST "+server.TokenExchangePath)
			exchangeSpan := findSpan(t, spans, "exchange.Exchange")
			assert.Equal(t, root.SpanContext().SpanID(), exchangeSpan.Parent().SpanID())
			assert.Equal(t, tt.wantCode, exchangeSpan.Status().Code)

			attrs := spanAttrs(exchangeSpan)
			assert.Equal(t, tt.wantStage, attrs["obo.stage"])
			if tt.wantError == "" {
				assert.NotEmpty(t, attrs["obo.token_id"])
				return
			}
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantError, attrs["obo.error"])
			assert.Equal(t, body.CorrelationID, attrs["obo.correlation_id"])
			assert.Equal(t, body.TraceID, attrs["obo.trace_id"])
		})
	}
}
