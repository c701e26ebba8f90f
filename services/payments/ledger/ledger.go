// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger owns the installment ledger of every booking.
//
// The ledger keeps three facts in agreement:
//
//	total_paid      == sum of the booking's Payment rows
//	total_paid      never decreases
//	payment_status  == confirmed  <=>  total_paid >= amount
//
// The functions in this file are pure and hold the status rules. Store
// implementations apply them inside a single storage transaction together
// with the Payment insert, so the two writes can never be observed apart.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// DeriveStatus returns the payment and booking status implied by the amount
// paid so far.
//
// # Examples
//
//	DeriveStatus(0, 1000)    // pending, pending_confirmation
//	DeriveStatus(500, 1000)  // partially_paid, pending_confirmation
//	DeriveStatus(1000, 1000) // confirmed, active
func DeriveStatus(total, amount decimal.Decimal) (datatypes.PaymentStatus, datatypes.BookingStatus) {
	switch {
	case total.GreaterThanOrEqual(amount):
		return datatypes.PaymentStatusConfirmed, datatypes.BookingStatusActive
	case total.IsPositive():
		return datatypes.PaymentStatusPartiallyPaid, datatypes.BookingStatusPendingConfirmation
	default:
		return datatypes.PaymentStatusPending, datatypes.BookingStatusPendingConfirmation
	}
}

// rederive recomputes both statuses from TotalPaid. Cancelled and completed
// bookings keep their booking status; payment status always follows the money.
func rederive(b datatypes.Booking) datatypes.Booking {
	ps, bs := DeriveStatus(b.TotalPaid, b.Amount)
	b.PaymentStatus = ps
	if b.Status != datatypes.BookingStatusCancelled && b.Status != datatypes.BookingStatusCompleted {
		b.Status = bs
	}
	return b
}

// ApplySettlement returns b with one successful payment of amount applied.
//
// # Description
//
// Adds amount to TotalPaid, re-derives the statuses and records receipt as the
// latest payment reference (an empty receipt leaves the previous one). Money
// received for a cancelled booking is still recorded; the booking stays
// cancelled so a refund can be arranged out of band.
//
// # Assumptions
//
//   - amount > 0. The caller validated the settlement.
func ApplySettlement(b datatypes.Booking, amount decimal.Decimal, receipt string, at time.Time) datatypes.Booking {
	b.TotalPaid = b.TotalPaid.Add(amount)
	if receipt != "" {
		b.PaymentReference = receipt
	}
	b = rederive(b)
	b.Version++
	b.UpdatedAt = at
	return b
}

// ApplyFailure returns b after a failed or cancelled push.
//
// A fully paid booking is returned unchanged: a stray failure for an older
// push must not knock a confirmed booking out of confirmed.
func ApplyFailure(b datatypes.Booking, at time.Time) datatypes.Booking {
	if b.FullyPaid() {
		return b
	}
	b.PaymentStatus = datatypes.PaymentStatusFailed
	b.Version++
	b.UpdatedAt = at
	return b
}

// Report is the result of checking one booking against its payment rows.
type Report struct {
	BookingID       string                  `json:"booking_id"`
	Amount          decimal.Decimal         `json:"amount"`
	RecordedTotal   decimal.Decimal         `json:"recorded_total_paid"`
	PaymentsTotal   decimal.Decimal         `json:"payments_total"`
	PaymentCount    int                     `json:"payment_count"`
	RecordedStatus  datatypes.PaymentStatus `json:"recorded_payment_status"`
	ExpectedStatus  datatypes.PaymentStatus `json:"expected_payment_status"`
	TotalDrift      decimal.Decimal         `json:"total_drift"`
	StatusDrift     bool                    `json:"status_drift"`
	Consistent      bool                    `json:"consistent"`
	Repaired        bool                    `json:"repaired"`
	RoundingSurplus decimal.Decimal         `json:"rounding_surplus"`
}

// Check recomputes the ledger of b from payments and reports any drift.
//
// # Description
//
// TotalDrift is recorded minus recomputed total. StatusDrift is set when
// the recorded payment status disagrees with the confirmed rule for the
// recomputed total. A failed status on an unpaid or partly paid booking is
// not drift. RoundingSurplus is how much the recomputed total exceeds the
// amount owed, which is where ceiling rounding of gateway amounts shows up.
func Check(b datatypes.Booking, payments []datatypes.Payment) Report {
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	expected, _ := DeriveStatus(sum, b.Amount)

	confirmedRecorded := b.PaymentStatus == datatypes.PaymentStatusConfirmed
	confirmedExpected := expected == datatypes.PaymentStatusConfirmed

	r := Report{
		BookingID:       b.ID,
		Amount:          b.Amount,
		RecordedTotal:   b.TotalPaid,
		PaymentsTotal:   sum,
		PaymentCount:    len(payments),
		RecordedStatus:  b.PaymentStatus,
		ExpectedStatus:  expected,
		TotalDrift:      b.TotalPaid.Sub(sum),
		StatusDrift:     confirmedRecorded != confirmedExpected,
		RoundingSurplus: decimal.Zero,
	}
	if sum.GreaterThan(b.Amount) {
		r.RoundingSurplus = sum.Sub(b.Amount)
	}
	r.Consistent = r.TotalDrift.IsZero() && !r.StatusDrift
	return r
}

// Repair returns b with TotalPaid recomputed from payments and statuses
// re-derived, plus the pre-repair report. b is returned unchanged when it is
// already consistent.
func Repair(b datatypes.Booking, payments []datatypes.Payment, at time.Time) (datatypes.Booking, Report) {
	r := Check(b, payments)
	if r.Consistent {
		return b, r
	}
	b.TotalPaid = r.PaymentsTotal
	b = rederive(b)
	b.Version++
	b.UpdatedAt = at
	r.Repaired = true
	return b, r
}
