// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "obo"

	// OutcomeSuccess labels an exchange that issued a token.
	OutcomeSuccess = "success"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	metadataRefresh  *prometheus.CounterVec
}

// NewMetrics creates and registers the service collectors, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_exchanges_total",
				Help:      "Token exchange requests by outcome (success or error code).",
			},
			[]string{"outcome"},
		),
		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "token_exchange_duration_seconds",
				Help:      "Token exchange request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		metadataRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "metadata_refreshes_total",
				Help:      "Identity provider metadata fetches by outcome.",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.exchanges,
		m.exchangeDuration,
		m.metadataRefresh,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveExchange records one finished exchange request.
func (m *Metrics) ObserveExchange(outcome string, elapsed time.Duration) {
	label := outcomeLabel(outcome)
	m.exchanges.WithLabelValues(label).Inc()
	m.exchangeDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveMetadataRefresh records one metadata fetch attempt. It matches the
// signature of the resolver's refresh callback.
func (m *Metrics) ObserveMetadataRefresh(outcome string) {
	m.metadataRefresh.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// outcomeLabel turns an error code such as "assertion has incorrect claims"
// into a label-friendly value.
func outcomeLabel(outcome string) string {
	return strings.ReplaceAll(strings.TrimSpace(outcome), " ", "_")
}
