// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry configures OpenTelemetry tracing for the token exchange
// service: an OTLP/HTTP exporter, W3C trace context propagation and HTTP
// instrumentation for inbound requests and outbound metadata fetches.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the tracing configuration.
type Config struct {
	// Endpoint is the OTLP/HTTP collector host and port. Tracing is disabled
	// when it is empty.
	Endpoint string

	ServiceName    string
	ServiceVersion string

	// SamplingRate is the ratio of root traces that are sampled (0.0-1.0).
	// Child spans follow the decision of their parent.
	SamplingRate float64

	// Headers are sent with every export request, e.g. for collector auth.
	Headers map[string]string

	// Insecure exports over plain HTTP.
	Insecure bool
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	processors []sdktrace.SpanProcessor
}

// WithSpanProcessor registers an additional span processor. A provider with
// a processor records spans even when no endpoint is configured.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) {
		o.processors = append(o.processors, sp)
	}
}

// Provider owns the tracer provider and its shutdown.
type Provider struct {
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	shutdown       func(context.Context) error
}

// NewProvider builds a Provider from cfg. With no endpoint and no span
// processors the returned provider is a no-op.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate must be between 0 and 1, got %v", cfg.SamplingRate)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	if cfg.Endpoint == "" && len(o.processors) == 0 {
		return &Provider{
			tracerProvider: tracenoop.NewTracerProvider(),
			propagator:     propagator,
		}, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("service name is required")
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(newResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	return &Provider{
		tracerProvider: tp,
		propagator:     propagator,
		shutdown:       tp.Shutdown,
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exporter, nil
}

func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	return resource.NewSchemaless(attrs...)
}

// SetGlobal installs the provider and propagator as the process defaults.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(p.propagator)
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Middleware returns an HTTP middleware that starts a server span per request.
// Requests to ignoredPaths are not traced.
func (p *Provider) Middleware(operation string, ignoredPaths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, operation,
			otelhttp.WithTracerProvider(p.tracerProvider),
			otelhttp.WithPropagators(p.propagator),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !slices.Contains(ignoredPaths, r.URL.Path)
			}),
		)
	}
}

// InstrumentClient wraps the transport of client so outbound requests get
// client spans and carry the trace context. client is modified in place.
func (p *Provider) InstrumentClient(client *http.Client) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(p.tracerProvider),
		otelhttp.WithPropagators(p.propagator),
	)
	return client
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
