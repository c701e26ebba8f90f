// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// newTestMetrics registers the metrics on an isolated registry so tests do
// not collide with the global one.
func newTestMetrics(t *testing.T) *PaymentMetrics {
	t.Helper()
	return NewPaymentMetrics(prometheus.NewRegistry())
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{fmt.Errorf("%w: bad phone", datatypes.ErrValidation), OutcomeValidation},
		{datatypes.ErrConfiguration, OutcomeConfiguration},
		{fmt.Errorf("%w: booking x", datatypes.ErrNotFound), OutcomeNotFound},
		{datatypes.ErrGatewayAuth, OutcomeGatewayAuth},
		{datatypes.ErrGatewayRequest, OutcomeGatewayRequest},
		{datatypes.ErrPersistence, OutcomePersistence},
		{datatypes.ErrDuplicate, OutcomeDuplicate},
		{errors.New("boom"), OutcomeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeFor(tt.err))
	}
}

func TestRecordInitiation(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordInitiation(nil)
	m.RecordInitiation(nil)
	m.RecordInitiation(datatypes.ErrGatewayAuth)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InitiationsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InitiationsTotal.WithLabelValues(OutcomeGatewayAuth)))
}

func TestRecordCallbackAndSettled(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCallback(CallbackSettled)
	m.RecordCallback(CallbackUnmatched)
	m.RecordSettled(datatypes.PaymentSourceCallback, 150.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbacksTotal.WithLabelValues(CallbackSettled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbacksTotal.WithLabelValues(CallbackUnmatched)))
	assert.Equal(t, 150.5, testutil.ToFloat64(m.SettledAmount.WithLabelValues("callback")))
}

func TestRecordReconcileCycle(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordReconcileCycle(2, 1, 0, 3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileCyclesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileAttemptsTotal.WithLabelValues("settled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileAttemptsTotal.WithLabelValues("pending")))
}

func TestFeedGauge(t *testing.T) {
	m := newTestMetrics(t)
	m.FeedSubscribed()
	m.FeedSubscribed()
	m.FeedUnsubscribed()
	m.RecordFeedDrop("b")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedSubscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedDroppedTotal))
}

func TestGatewayHistogramCollects(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordGatewayRequest("stk_push", 0.2, nil)
	m.RecordGatewayRequest("stk_push", 0.4, errors.New("x"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.GatewayRequestSeconds))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *PaymentMetrics
	m.RecordInitiation(nil)
	m.RecordCallback(CallbackSettled)
	m.RecordSettled(datatypes.PaymentSourceManual, 1)
	m.RecordGatewayRequest("token", 1, nil)
	m.RecordReconcileCycle(0, 0, 0, 0, 0)
	m.FeedSubscribed()
	m.FeedUnsubscribed()
	m.RecordFeedDrop("x")
}
