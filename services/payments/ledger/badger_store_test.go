// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/feed"
	storage "github.com/ZiaraZetu/ZiaraPay/services/payments/storage/badger"
)

// =============================================================================
// Fixtures
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *BadgerStore
	db    *storage.DB
	clock *testClock
	feed  *feed.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := storage.InMemoryConfig()
	cfg.MaxConflictRetries = 1000
	cfg.OnConflict = RecordConflict
	db, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, datatypes.EastAfrica)}
	broker := feed.NewBroker(feed.WithBuffer(64))
	store := NewBadgerStore(db, WithClock(clock.Now), WithPublisher(broker))
	return &fixture{store: store, db: db, clock: clock, feed: broker}
}

func (f *fixture) booking(t *testing.T, amount string) datatypes.Booking {
	t.Helper()
	b, err := f.store.CreateBooking(context.Background(), datatypes.Booking{
		UserID:        "user-1",
		ListingID:     "listing-1",
		CheckInDate:   "2026-04-01",
		PaymentMethod: datatypes.PaymentMethodLipaMdogoMdogo,
		Amount:        dec(amount),
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) attempt(t *testing.T, bookingID, corr, owed string) datatypes.PaymentAttempt {
	t.Helper()
	a := datatypes.PaymentAttempt{
		CorrelationID:   corr,
		BookingID:       bookingID,
		OwedAmount:      dec(owed),
		RequestedAmount: decimal.NewFromInt(datatypes.GatewayAmount(dec(owed))),
		Phone:           "254712345678",
	}
	require.NoError(t, f.store.RecordAttempt(context.Background(), a))
	return a
}

func (f *fixture) assertLedgerConsistent(t *testing.T, bookingID string) {
	t.Helper()
	r, err := f.store.Verify(context.Background(), bookingID)
	require.NoError(t, err)
	assert.True(t, r.Consistent, "ledger drift: %+v", r)
}

// =============================================================================
// Bookings
// =============================================================================

func TestCreateBooking_InitialState(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")

	assert.NotEmpty(t, b.ID)
	assert.True(t, b.TotalPaid.IsZero())
	assert.Equal(t, datatypes.PaymentStatusPending, b.PaymentStatus)
	assert.Equal(t, datatypes.BookingStatusPendingConfirmation, b.Status)

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.True(t, got.Amount.Equal(dec("200")))
}

func TestCreateBooking_DuplicateID(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	_, err := f.store.CreateBooking(context.Background(), datatypes.Booking{ID: b.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
}

func TestCreateBooking_NegativeAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateBooking(context.Background(), datatypes.Booking{Amount: dec("-1")})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestGetBooking_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.GetBooking(context.Background(), "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestListBookings_NewestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.booking(t, "100")
	second := f.booking(t, "200")

	list, err := f.store.ListBookings(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCancelBooking(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")

	cancelled, err := f.store.CancelBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.BookingStatusCancelled, cancelled.Status)

	again, err := f.store.CancelBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestSettle_ScenarioA_FullPayment(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "ws_CO_A", "200")

	res, err := f.store.Settle(context.Background(), Settlement{
		CorrelationID: "ws_CO_A",
		Receipt:       "ABC123",
		Amount:        dec("200"),
	})
	require.NoError(t, err)
	assert.Equal(t, "200", res.Booking.TotalPaid.String())
	assert.Equal(t, datatypes.PaymentStatusConfirmed, res.Booking.PaymentStatus)
	assert.Equal(t, datatypes.BookingStatusActive, res.Booking.Status)
	assert.Equal(t, "ABC123", res.Booking.PaymentReference)
	assert.Equal(t, datatypes.AttemptStateSettled, res.Attempt.State)

	payments, err := f.store.ListPayments(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "200", payments[0].Amount.String())
	assert.Equal(t, "ABC123", payments[0].GatewayReceipt)
	assert.Equal(t, datatypes.PaymentSourceCallback, payments[0].Source)
	f.assertLedgerConsistent(t, b.ID)
}

func TestSettle_ScenarioBC_Installments(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "ws_CO_B1", "80")

	res, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "ws_CO_B1", Receipt: "R1", Amount: dec("80")})
	require.NoError(t, err)
	assert.Equal(t, "80", res.Booking.TotalPaid.String())
	assert.Equal(t, datatypes.PaymentStatusPartiallyPaid, res.Booking.PaymentStatus)
	assert.Equal(t, datatypes.BookingStatusPendingConfirmation, res.Booking.Status)

	f.attempt(t, b.ID, "ws_CO_B2", "120")
	res, err = f.store.Settle(context.Background(), Settlement{CorrelationID: "ws_CO_B2", Receipt: "R2", Amount: dec("120")})
	require.NoError(t, err)
	assert.Equal(t, "200", res.Booking.TotalPaid.String())
	assert.Equal(t, datatypes.PaymentStatusConfirmed, res.Booking.PaymentStatus)
	assert.Equal(t, datatypes.BookingStatusActive, res.Booking.Status)

	payments, err := f.store.ListPayments(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "R2", payments[0].GatewayReceipt, "newest first")
	assert.Equal(t, "200", payments[0].Amount.Add(payments[1].Amount).String())
	f.assertLedgerConsistent(t, b.ID)
}

func TestFail_ScenarioD_Cancelled(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "ws_CO_D", "200")

	got, err := f.store.Fail(context.Background(), Failure{
		CorrelationID: "ws_CO_D",
		ResultCode:    1032,
		ResultDesc:    "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.True(t, got.TotalPaid.IsZero())
	assert.Equal(t, datatypes.PaymentStatusFailed, got.PaymentStatus)

	payments, err := f.store.ListPayments(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	a, err := f.store.FindAttempt(context.Background(), "ws_CO_D")
	require.NoError(t, err)
	assert.Equal(t, datatypes.AttemptStateFailed, a.State)
	require.NotNil(t, a.ResultCode)
	assert.Equal(t, 1032, *a.ResultCode)

	_, err = f.store.Fail(context.Background(), Failure{CorrelationID: "ws_CO_D", ResultCode: 1032})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
}

func TestFail_KeepsConfirmedBookingConfirmed(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "old", "200")
	f.attempt(t, b.ID, "new", "200")

	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "new", Receipt: "R", Amount: dec("200")})
	require.NoError(t, err)

	got, err := f.store.Fail(context.Background(), Failure{CorrelationID: "old", ResultCode: 1037, ResultDesc: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.PaymentStatusConfirmed, got.PaymentStatus)
	f.assertLedgerConsistent(t, b.ID)
}

func TestSettle_UnknownCorrelation(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "nope", Receipt: "R", Amount: dec("10")})
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestSettle_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "c", Amount: decimal.Zero})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

// =============================================================================
// Idempotency and Concurrency
// =============================================================================

func TestSettle_ReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "ws_CO_R", "80")

	s := Settlement{CorrelationID: "ws_CO_R", Receipt: "R1", Amount: dec("80")}
	_, err := f.store.Settle(context.Background(), s)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.store.Settle(context.Background(), s)
		assert.ErrorIs(t, err, datatypes.ErrDuplicate)
	}

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "80", got.TotalPaid.String())
	payments, err := f.store.ListPayments(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSettle_ConcurrentReplaySettlesOnce(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "ws_CO_X", "50")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		dups int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "ws_CO_X", Receipt: "RX", Amount: dec("50")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else if assert.ErrorIs(t, err, datatypes.ErrDuplicate) {
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
	assert.Equal(t, 9, dups)
	f.assertLedgerConsistent(t, b.ID)
}

func TestSettle_ConcurrentInstallmentsSumExactly(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "1000")
	const n = 20
	for i := 0; i < n; i++ {
		f.attempt(t, b.ID, fmt.Sprintf("corr-%02d", i), "25.5")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.Settle(context.Background(), Settlement{
				CorrelationID: fmt.Sprintf("corr-%02d", i),
				Receipt:       fmt.Sprintf("R%02d", i),
				Amount:        dec("25.5"),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "510", got.TotalPaid.String())
	assert.Equal(t, datatypes.PaymentStatusPartiallyPaid, got.PaymentStatus)
	f.assertLedgerConsistent(t, b.ID)
}

func TestRecordAttempt_ReinitiationKeepsOlderAttemptsMatchable(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "first", "100")
	f.attempt(t, b.ID, "second", "100")

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.GatewayCorrelationID)

	res, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "first", Receipt: "R1", Amount: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.Booking.ID)

	attempts, err := f.store.ListAttempts(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "second", attempts[0].CorrelationID)
	assert.Equal(t, datatypes.AttemptStateSettled, attempts[1].State)
}

func TestRecordAttempt_Errors(t *testing.T) {
	f := newFixture(t)
	err := f.store.RecordAttempt(context.Background(), datatypes.PaymentAttempt{CorrelationID: "c", BookingID: "missing"})
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	b := f.booking(t, "10")
	f.attempt(t, b.ID, "dup", "10")
	err = f.store.RecordAttempt(context.Background(), datatypes.PaymentAttempt{CorrelationID: "dup", BookingID: b.ID})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
}

// =============================================================================
// Reconciliation Support
// =============================================================================

func TestStaleAttempts_AndExpire(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "old", "100")
	f.clock.Advance(10 * time.Minute)
	cutoff := f.clock.Now()
	f.attempt(t, b.ID, "fresh", "100")

	stale, err := f.store.StaleAttempts(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].CorrelationID)

	require.NoError(t, f.store.Expire(context.Background(), "old", "no callback"))
	assert.ErrorIs(t, f.store.Expire(context.Background(), "old", "again"), datatypes.ErrDuplicate)

	stale, err = f.store.StaleAttempts(context.Background(), cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// A late callback for an expired attempt still settles.
	_, err = f.store.Settle(context.Background(), Settlement{CorrelationID: "old", Receipt: "LATE", Amount: dec("100")})
	require.NoError(t, err)
}

func TestSettle_StatusQueryThenCallbackAttachesReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.booking(t, "151")
	f.attempt(t, b.ID, "q", "150.40")

	_, err := f.store.Settle(ctx, Settlement{
		CorrelationID: "q",
		Amount:        dec("151"),
		Source:        datatypes.PaymentSourceStatusQuery,
	})
	require.NoError(t, err)

	res, err := f.store.Settle(ctx, Settlement{CorrelationID: "q", Receipt: "REAL", Amount: dec("151")})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
	assert.Equal(t, "REAL", res.Payment.GatewayReceipt)

	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "151", got.TotalPaid.String())
	assert.Equal(t, "REAL", got.PaymentReference)
	assert.Equal(t, datatypes.PaymentStatusConfirmed, got.PaymentStatus)

	payments, err := f.store.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "REAL", payments[0].GatewayReceipt)
	assert.Equal(t, datatypes.PaymentSourceStatusQuery, payments[0].Source)

	a, err := f.store.FindAttempt(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "REAL", a.Receipt)

	// The receipt is now indexed, so a replay changes nothing.
	_, err = f.store.Settle(ctx, Settlement{CorrelationID: "q", Receipt: "REAL", Amount: dec("151")})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
	_, err = f.store.Settle(ctx, Settlement{CorrelationID: "q", Receipt: "OTHER", Amount: dec("151")})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
	again, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Equal(t, "REAL", again.PaymentReference)
	f.assertLedgerConsistent(t, b.ID)
}

func TestSettle_LateReceiptKeepsNewerPaymentReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.booking(t, "500")
	f.attempt(t, b.ID, "first", "100")
	f.attempt(t, b.ID, "second", "100")

	_, err := f.store.Settle(ctx, Settlement{CorrelationID: "first", Amount: dec("100"), Source: datatypes.PaymentSourceStatusQuery})
	require.NoError(t, err)
	_, err = f.store.Settle(ctx, Settlement{CorrelationID: "second", Receipt: "R2", Amount: dec("100")})
	require.NoError(t, err)

	_, err = f.store.Settle(ctx, Settlement{CorrelationID: "first", Receipt: "R1", Amount: dec("100")})
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)

	got, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "200", got.TotalPaid.String())
	assert.Equal(t, "R2", got.PaymentReference)

	payments, err := f.store.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	receipts := map[string]string{}
	for _, p := range payments {
		receipts[p.CorrelationID] = p.GatewayReceipt
	}
	assert.Equal(t, map[string]string{"first": "R1", "second": "R2"}, receipts)
	f.assertLedgerConsistent(t, b.ID)
}

// =============================================================================
// Manual Approval, Verification, Dead Letters
// =============================================================================

func TestApproveManually_RecordsOutstanding(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "c1", "80")
	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "c1", Receipt: "R1", Amount: dec("80")})
	require.NoError(t, err)

	res, err := f.store.ApproveManually(context.Background(), b.ID, "BANK-42", "admin@ziara")
	require.NoError(t, err)
	assert.Equal(t, "120", res.Payment.Amount.String())
	assert.Equal(t, datatypes.PaymentSourceManual, res.Payment.Source)
	assert.Equal(t, "admin@ziara", res.Payment.RecordedBy)
	assert.Equal(t, datatypes.PaymentStatusConfirmed, res.Booking.PaymentStatus)
	f.assertLedgerConsistent(t, b.ID)

	_, err = f.store.ApproveManually(context.Background(), b.ID, "BANK-43", "admin@ziara")
	assert.ErrorIs(t, err, datatypes.ErrDuplicate)
}

func TestApproveManually_RejectsCancelled(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	_, err := f.store.CancelBooking(context.Background(), b.ID)
	require.NoError(t, err)
	_, err = f.store.ApproveManually(context.Background(), b.ID, "", "admin")
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestRepair_FixesInjectedDrift(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	f.attempt(t, b.ID, "c1", "200")
	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "c1", Receipt: "R1", Amount: dec("200")})
	require.NoError(t, err)

	// Corrupt the stored totals behind the store's back.
	require.NoError(t, f.db.Update(context.Background(), func(txn *badger.Txn) error {
		got, err := getBooking(txn, b.ID)
		if err != nil {
			return err
		}
		got.TotalPaid = dec("50")
		got.PaymentStatus = datatypes.PaymentStatusPartiallyPaid
		return storage.SetJSON(txn, bookingKey(b.ID), got)
	}))

	r, err := f.store.Verify(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, r.Consistent)
	assert.Equal(t, "-150", r.TotalDrift.String())

	r, err = f.store.Repair(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, r.Repaired)
	f.assertLedgerConsistent(t, b.ID)

	got, err := f.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PaymentStatusConfirmed, got.PaymentStatus)
}

func TestUnmatched_RecordAndList(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RecordUnmatched(context.Background(), datatypes.UnmatchedCallback{CorrelationID: "a", Reason: "no booking"}))
	require.NoError(t, f.store.RecordUnmatched(context.Background(), datatypes.UnmatchedCallback{CorrelationID: "b", Reason: "no booking"}))

	list, err := f.store.ListUnmatched(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].CorrelationID)
	assert.NotEmpty(t, list[0].ID)
}

func TestSettle_PublishesToFeed(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "200")
	ch, cancel := f.feed.Subscribe(b.ID)
	defer cancel()

	f.attempt(t, b.ID, "c1", "200")
	_, err := f.store.Settle(context.Background(), Settlement{CorrelationID: "c1", Receipt: "R1", Amount: dec("200")})
	require.NoError(t, err)

	var types []feed.EventType
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []feed.EventType{feed.EventAttemptStarted, feed.EventPaymentSettled}, types)
}
