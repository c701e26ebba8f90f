// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package initiator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/daraja"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
	storage "github.com/ZiaraZetu/ZiaraPay/services/payments/storage/badger"
)

// =============================================================================
// Fakes
// =============================================================================

type stubGateway struct {
	readyErr error
	tokenErr error
	pushErr  error
	pushes   []daraja.PushRequest
	next     int
}

func (g *stubGateway) Ready() error { return g.readyErr }

func (g *stubGateway) Token(context.Context) (string, error) {
	if g.tokenErr != nil {
		return "", g.tokenErr
	}
	return "tok", nil
}

func (g *stubGateway) STKPush(_ context.Context, _ string, req daraja.PushRequest) (daraja.PushResult, error) {
	if g.pushErr != nil {
		return daraja.PushResult{}, g.pushErr
	}
	g.pushes = append(g.pushes, req)
	g.next++
	return daraja.PushResult{
		MerchantRequestID: fmt.Sprintf("m-%d", g.next),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.next),
		Phone:             datatypes.NormalizeMSISDN(req.Phone),
		RequestedAmount:   datatypes.GatewayAmount(req.Amount),
	}, nil
}

func (g *stubGateway) QueryStatus(context.Context, string, string) (daraja.QueryResult, error) {
	return daraja.QueryResult{Pending: true}, nil
}

// failingStore fails RecordAttempt and delegates everything else.
type failingStore struct {
	ledger.Store
}

func (failingStore) RecordAttempt(context.Context, datatypes.PaymentAttempt) error {
	return errors.New("disk full")
}

type fixture struct {
	store   *ledger.BadgerStore
	gateway *stubGateway
	metrics *observability.PaymentMetrics
	init    *Initiator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := ledger.NewBadgerStore(db)
	gw := &stubGateway{}
	m := observability.NewPaymentMetrics(prometheus.NewRegistry())
	return &fixture{
		store:   store,
		gateway: gw,
		metrics: m,
		init:    New(gw, store, WithMetrics(m)),
	}
}

func (f *fixture) booking(t *testing.T, amount string) datatypes.Booking {
	t.Helper()
	b, err := f.store.CreateBooking(context.Background(), datatypes.Booking{
		UserID:        "user-1",
		ListingID:     "listing-1",
		CheckInDate:   "2026-04-01",
		PaymentMethod: datatypes.PaymentMethodDaraja,
		Amount:        decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return b
}

func request(bookingID, amount string) datatypes.InitiateRequest {
	return datatypes.InitiateRequest{
		BookingID:   bookingID,
		PhoneNumber: "0712345678",
		Amount:      decimal.RequireFromString(amount),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestInitiate_RecordsAttempt(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")

	resp, err := f.init.Initiate(context.Background(), request(b.ID, "200"))
	require.NoError(t, err)
	assert.Equal(t, datatypes.InitiateSuccessMessage, resp.Message)

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", got.GatewayCorrelationID)

	a, err := f.store.FindAttempt(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, a.BookingID)
	assert.Equal(t, datatypes.AttemptStatePending, a.State)
	assert.Equal(t, "254712345678", a.Phone)
	assert.Equal(t, "m-1", a.MerchantRequestID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InitiationsTotal.WithLabelValues(observability.OutcomeSuccess)))
}

// The rounded-up amount is what the payer is asked for; the owed amount is
// kept alongside it.
func TestInitiate_TracksRoundingDelta(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "300")

	_, err := f.init.Initiate(context.Background(), request(b.ID, "150.40"))
	require.NoError(t, err)

	a, err := f.store.FindAttempt(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.True(t, a.OwedAmount.Equal(decimal.RequireFromString("150.40")))
	assert.True(t, a.RequestedAmount.Equal(decimal.NewFromInt(151)))
	assert.True(t, f.gateway.pushes[0].Amount.Equal(decimal.RequireFromString("150.40")))
}

func TestInitiate_SecondPushReplacesCorrelation(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")

	_, err := f.init.Initiate(context.Background(), request(b.ID, "100"))
	require.NoError(t, err)
	_, err = f.init.Initiate(context.Background(), request(b.ID, "100"))
	require.NoError(t, err)

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_2", got.GatewayCorrelationID)

	attempts, err := f.store.ListAttempts(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestInitiate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) datatypes.InitiateRequest
		wantErr error
		outcome string
	}{
		{
			name: "bad phone",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				r := request("3f2a9c1e-8b7d-4e6f-a5c4-1d2e3f4a5b6c", "10")
				r.PhoneNumber = "12345"
				return r
			},
			wantErr: datatypes.ErrValidation,
			outcome: observability.OutcomeValidation,
		},
		{
			name: "zero amount",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				return request("3f2a9c1e-8b7d-4e6f-a5c4-1d2e3f4a5b6c", "0")
			},
			wantErr: datatypes.ErrValidation,
			outcome: observability.OutcomeValidation,
		},
		{
			name: "gateway not configured",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				f.gateway.readyErr = fmt.Errorf("%w: missing passkey", datatypes.ErrConfiguration)
				return request("3f2a9c1e-8b7d-4e6f-a5c4-1d2e3f4a5b6c", "10")
			},
			wantErr: datatypes.ErrConfiguration,
			outcome: observability.OutcomeConfiguration,
		},
		{
			name: "unknown booking",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				return request("3f2a9c1e-8b7d-4e6f-a5c4-1d2e3f4a5b6c", "10")
			},
			wantErr: datatypes.ErrNotFound,
			outcome: observability.OutcomeNotFound,
		},
		{
			name: "token rejected",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				f.gateway.tokenErr = fmt.Errorf("%w: Failed to get auth token", datatypes.ErrGatewayAuth)
				return request(f.booking(t, "10").ID, "10")
			},
			wantErr: datatypes.ErrGatewayAuth,
			outcome: observability.OutcomeGatewayAuth,
		},
		{
			name: "push rejected",
			setup: func(t *testing.T, f *fixture) datatypes.InitiateRequest {
				f.gateway.pushErr = fmt.Errorf("%w: Failed to initiate STK push.", datatypes.ErrGatewayRequest)
				return request(f.booking(t, "10").ID, "10")
			},
			wantErr: datatypes.ErrGatewayRequest,
			outcome: observability.OutcomeGatewayRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.setup(t, f)

			_, err := f.init.Initiate(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InitiationsTotal.WithLabelValues(tt.outcome)))
		})
	}
}

func TestInitiate_RefusesCancelledAndPaidBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cancelled := f.booking(t, "100")
	_, err := f.store.CancelBooking(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = f.init.Initiate(ctx, request(cancelled.ID, "100"))
	assert.ErrorIs(t, err, datatypes.ErrValidation)

	paid := f.booking(t, "100")
	_, err = f.store.ApproveManually(ctx, paid.ID, "", "admin")
	require.NoError(t, err)
	_, err = f.init.Initiate(ctx, request(paid.ID, "100"))
	assert.ErrorIs(t, err, datatypes.ErrValidation)

	assert.Empty(t, f.gateway.pushes)
}

func TestInitiate_PersistenceFailureAfterPush(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "100")
	i := New(f.gateway, failingStore{Store: f.store}, WithMetrics(f.metrics))

	_, err := i.Initiate(context.Background(), request(b.ID, "100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrPersistence)
	assert.Contains(t, err.Error(), "failed to store CheckoutRequestID")
	assert.Len(t, f.gateway.pushes, 1)
}

func TestInitiate_ErrorLogsCarryTraceID(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "100")
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	i := New(f.gateway, failingStore{Store: f.store}, WithMetrics(f.metrics), WithLogger(logger))

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "POST /v1/payments/initiate")
	defer span.End()

	_, err := i.Initiate(ctx, request(b.ID, "100"))
	require.Error(t, err)

	traceID := `"trace_id":"` + span.SpanContext().TraceID().String() + `"`
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "Failed to store CheckoutRequestID")
	assert.Contains(t, string(lines[0]), traceID)
	assert.Contains(t, string(lines[1]), "Error in payment initiation")
	assert.Contains(t, string(lines[1]), traceID)
}
