// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Outcome labels for AuthOperations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the application's Prometheus collectors.
type Metrics struct {
	AuthOperations  *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	SessionsPurged  prometheus.Counter
	ExchangesPurged prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors. A private registry keeps tests from colliding on the global one.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NewMetrics creates and registers the application metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_auth_operations_total",
				Help: "Total number of auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyward_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyward_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		SessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyward_sessions_purged_total",
			Help: "Total number of expired sessions removed from the ledger",
		}),
		ExchangesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyward_exchanges_purged_total",
			Help: "Total number of expired pending exchanges removed",
		}),
	}

	reg.MustRegister(m.AuthOperations, m.HTTPRequests, m.HTTPDuration, m.SessionsPurged, m.ExchangesPurged)
	return m
}

// RecordAuth counts one auth operation. Safe on a nil receiver.
func (m *Metrics) RecordAuth(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.AuthOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordPurge adds the results of one purge pass. Safe on a nil receiver.
func (m *Metrics) RecordPurge(sessions, exchanges int64) {
	if m == nil {
		return
	}
	m.SessionsPurged.Add(float64(sessions))
	m.ExchangesPurged.Add(float64(exchanges))
}
