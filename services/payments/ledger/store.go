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
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// Settlement is a successful payment reported for one push.
type Settlement struct {
	CorrelationID   string
	Receipt         string
	Amount          decimal.Decimal
	PhoneNumber     string
	TransactionDate string
	Source          datatypes.PaymentSource
}

// Failure is a failed or cancelled push.
type Failure struct {
	CorrelationID string
	ResultCode    int
	ResultDesc    string
}

// SettleResult is the committed state after a settlement.
type SettleResult struct {
	Booking datatypes.Booking
	Payment datatypes.Payment
	Attempt datatypes.PaymentAttempt
}

// Store is the persistence boundary of the ledger.
//
// # Description
//
// Every method that changes a booking's money does so in one storage
// transaction: either the Payment row, the booking totals and the attempt
// state all commit, or none do. Concurrent writers for the same booking are
// serialised.
//
// # Errors
//
//   - datatypes.ErrNotFound: booking or attempt missing.
//   - datatypes.ErrDuplicate: the change was already applied.
//   - datatypes.ErrValidation: the change is not allowed in the booking's state.
//   - datatypes.ErrPersistence: the storage layer failed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateBooking stores a new booking with total_paid 0.
	CreateBooking(ctx context.Context, b datatypes.Booking) (datatypes.Booking, error)

	// GetBooking loads one booking.
	GetBooking(ctx context.Context, id string) (datatypes.Booking, error)

	// ListBookings returns bookings newest first.
	ListBookings(ctx context.Context, limit int) ([]datatypes.Booking, error)

	// CancelBooking moves a booking to cancelled. Payments are kept.
	CancelBooking(ctx context.Context, id string) (datatypes.Booking, error)

	// RecordAttempt stores a new push attempt and makes it the booking's
	// latest correlation id.
	RecordAttempt(ctx context.Context, a datatypes.PaymentAttempt) error

	// FindAttempt loads the attempt for a correlation id.
	FindAttempt(ctx context.Context, correlationID string) (datatypes.PaymentAttempt, error)

	// ListAttempts returns every push made for a booking, newest first.
	ListAttempts(ctx context.Context, bookingID string) ([]datatypes.PaymentAttempt, error)

	// StaleAttempts returns pending attempts created before olderThan,
	// oldest first.
	StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]datatypes.PaymentAttempt, error)

	// Settle applies a successful payment exactly once per correlation id.
	Settle(ctx context.Context, s Settlement) (SettleResult, error)

	// Fail applies a failed push. total_paid is never touched.
	Fail(ctx context.Context, f Failure) (datatypes.Booking, error)

	// Expire gives up waiting on a pending attempt.
	Expire(ctx context.Context, correlationID, reason string) error

	// ApproveManually records the outstanding balance as paid by an admin.
	ApproveManually(ctx context.Context, bookingID, reference, actor string) (SettleResult, error)

	// ListPayments returns a booking's payments, newest first.
	ListPayments(ctx context.Context, bookingID string) ([]datatypes.Payment, error)

	// RecordUnmatched stores a callback that matched no booking.
	RecordUnmatched(ctx context.Context, u datatypes.UnmatchedCallback) error

	// ListUnmatched returns dead letters, newest first.
	ListUnmatched(ctx context.Context, limit int) ([]datatypes.UnmatchedCallback, error)

	// Verify checks a booking against its payment rows.
	Verify(ctx context.Context, bookingID string) (Report, error)

	// Repair recomputes a drifted booking from its payment rows.
	Repair(ctx context.Context, bookingID string) (Report, error)
}
