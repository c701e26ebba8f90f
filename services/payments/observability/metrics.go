// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the payments service.
//
// # Description
//
// Metrics cover the three money paths:
//   - Initiation outcomes and gateway latency
//   - Callback results (settled, failed, duplicate, unmatched, invalid)
//   - Reconciliation cycles and per-attempt outcomes
//
// plus the realtime feed (live subscribers, dropped events).
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *PaymentMetrics so components can
// run without metrics in tests.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "ziarapay"

const (
	paymentsSubsystem  = "payments"
	gatewaySubsystem   = "gateway"
	reconcileSubsystem = "reconcile"
	feedSubsystem      = "feed"
)

// PaymentMetrics holds all Prometheus metrics for the payments service.
//
// # Fields
//
//   - InitiationsTotal: STK push initiations by outcome.
//   - CallbacksTotal: gateway callbacks by result.
//   - SettledAmount: money committed to the ledger by source.
//   - GatewayRequestSeconds: outbound gateway latency by operation and status.
//   - ReconcileCyclesTotal: completed reconciliation cycles.
//   - ReconcileAttemptsTotal: attempts examined by reconciliation, by outcome.
//   - FeedSubscribers: live booking feed subscriptions.
//   - FeedDroppedTotal: events dropped for slow subscribers.
type PaymentMetrics struct {
	InitiationsTotal       *prometheus.CounterVec
	CallbacksTotal         *prometheus.CounterVec
	SettledAmount          *prometheus.CounterVec
	GatewayRequestSeconds  *prometheus.HistogramVec
	ReconcileCyclesTotal   prometheus.Counter
	ReconcileAttemptsTotal *prometheus.CounterVec
	FeedSubscribers        prometheus.Gauge
	FeedDroppedTotal       prometheus.Counter
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *PaymentMetrics

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *PaymentMetrics {
	DefaultMetrics = NewPaymentMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewPaymentMetrics creates the metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	factory := promauto.With(reg)
	return &PaymentMetrics{
		InitiationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: paymentsSubsystem,
				Name:      "initiations_total",
				Help:      "STK push initiations by outcome",
			},
			[]string{"outcome"},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: paymentsSubsystem,
				Name:      "callbacks_total",
				Help:      "Gateway callbacks by result",
			},
			[]string{"result"},
		),

		SettledAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: paymentsSubsystem,
				Name:      "settled_amount_kes_total",
				Help:      "Money committed to the ledger in KES by source",
			},
			[]string{"source"},
		),

		GatewayRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "request_duration_seconds",
				Help:      "Outbound gateway request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),

		ReconcileCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: reconcileSubsystem,
				Name:      "cycles_total",
				Help:      "Completed reconciliation cycles",
			},
		),

		ReconcileAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: reconcileSubsystem,
				Name:      "attempts_total",
				Help:      "Stale attempts examined by reconciliation, by outcome",
			},
			[]string{"outcome"},
		),

		FeedSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: feedSubsystem,
				Name:      "subscribers",
				Help:      "Live booking feed subscriptions",
			},
		),

		FeedDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: feedSubsystem,
				Name:      "dropped_events_total",
				Help:      "Booking events dropped for slow subscribers",
			},
		),
	}
}

// =============================================================================
// Outcomes
// =============================================================================

// Outcome labels shared by initiation and callback metrics.
const (
	OutcomeSuccess        = "success"
	OutcomeValidation     = "validation"
	OutcomeConfiguration  = "configuration"
	OutcomeNotFound       = "not_found"
	OutcomeGatewayAuth    = "gateway_auth"
	OutcomeGatewayRequest = "gateway_request"
	OutcomePersistence    = "persistence"
	OutcomeDuplicate      = "duplicate"
	OutcomeInternal       = "internal"
)

// Callback result labels.
const (
	CallbackSettled   = "settled"
	CallbackFailed    = "failed"
	CallbackDuplicate = "duplicate"
	CallbackUnmatched = "unmatched"
	CallbackInvalid   = "invalid"
	CallbackError     = "error"
)

// OutcomeFor maps an error to its outcome label. nil is success.
func OutcomeFor(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, datatypes.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, datatypes.ErrConfiguration):
		return OutcomeConfiguration
	case errors.Is(err, datatypes.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, datatypes.ErrGatewayAuth):
		return OutcomeGatewayAuth
	case errors.Is(err, datatypes.ErrGatewayRequest):
		return OutcomeGatewayRequest
	case errors.Is(err, datatypes.ErrPersistence):
		return OutcomePersistence
	case errors.Is(err, datatypes.ErrDuplicate):
		return OutcomeDuplicate
	default:
		return OutcomeInternal
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordInitiation records the outcome of one initiation.
func (m *PaymentMetrics) RecordInitiation(err error) {
	if m == nil {
		return
	}
	m.InitiationsTotal.WithLabelValues(OutcomeFor(err)).Inc()
}

// RecordCallback records one processed callback.
//
// # Inputs
//
//   - result: one of the Callback* labels.
func (m *PaymentMetrics) RecordCallback(result string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(result).Inc()
}

// RecordSettled adds a committed payment amount.
func (m *PaymentMetrics) RecordSettled(source datatypes.PaymentSource, amount float64) {
	if m == nil {
		return
	}
	m.SettledAmount.WithLabelValues(string(source)).Add(amount)
}

// RecordGatewayRequest records one outbound gateway call.
//
// # Inputs
//
//   - operation: token, stk_push or stk_query.
//   - seconds: round-trip duration.
//   - err: the call's error, nil on success.
func (m *PaymentMetrics) RecordGatewayRequest(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestSeconds.WithLabelValues(operation, status).Observe(seconds)
}

// RecordReconcileCycle records one finished cycle and its per-attempt outcomes.
func (m *PaymentMetrics) RecordReconcileCycle(settled, failed, expired, pending, errs int) {
	if m == nil {
		return
	}
	m.ReconcileCyclesTotal.Inc()
	m.ReconcileAttemptsTotal.WithLabelValues("settled").Add(float64(settled))
	m.ReconcileAttemptsTotal.WithLabelValues("failed").Add(float64(failed))
	m.ReconcileAttemptsTotal.WithLabelValues("expired").Add(float64(expired))
	m.ReconcileAttemptsTotal.WithLabelValues("pending").Add(float64(pending))
	m.ReconcileAttemptsTotal.WithLabelValues("error").Add(float64(errs))
}

// FeedSubscribed increments the live subscriber gauge.
func (m *PaymentMetrics) FeedSubscribed() {
	if m == nil {
		return
	}
	m.FeedSubscribers.Inc()
}

// FeedUnsubscribed decrements the live subscriber gauge.
func (m *PaymentMetrics) FeedUnsubscribed() {
	if m == nil {
		return
	}
	m.FeedSubscribers.Dec()
}

// RecordFeedDrop counts one dropped feed event. Its signature matches
// feed.WithDropHook.
func (m *PaymentMetrics) RecordFeedDrop(string) {
	if m == nil {
		return
	}
	m.FeedDroppedTotal.Inc()
}
