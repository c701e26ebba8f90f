// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the payments service.
//
// This file contains the ledger entities: Booking (the aggregate root),
// Payment (append-only settlement records), PaymentAttempt (one per STK push)
// and UnmatchedCallback (dead letters for callbacks with no booking).
package datatypes

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Status Enumerations
// =============================================================================

// PaymentStatus is the payment lifecycle status of a booking.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusConfirmed     PaymentStatus = "confirmed"
	PaymentStatusFailed        PaymentStatus = "failed"
)

// BookingStatus is the coarse booking lifecycle status. It is partly derived
// from PaymentStatus.
type BookingStatus string

const (
	BookingStatusPendingConfirmation BookingStatus = "pending_confirmation"
	BookingStatusActive              BookingStatus = "active"
	BookingStatusCancelled           BookingStatus = "cancelled"
	BookingStatusCompleted           BookingStatus = "completed"
)

// PaymentMethod is how the customer chose to pay.
type PaymentMethod string

const (
	PaymentMethodDaraja         PaymentMethod = "daraja"
	PaymentMethodLipaMdogoMdogo PaymentMethod = "lipa_mdogo_mdogo"
	PaymentMethodPayOnArrival   PaymentMethod = "pay_on_arrival"
)

// PaymentSource records which path produced a Payment row.
type PaymentSource string

const (
	// PaymentSourceCallback is a settlement reported by the gateway webhook.
	PaymentSourceCallback PaymentSource = "callback"

	// PaymentSourceStatusQuery is a settlement discovered by reconciliation
	// through the gateway's status query. It carries no receipt.
	PaymentSourceStatusQuery PaymentSource = "status_query"

	// PaymentSourceManual is an admin approval of the outstanding balance.
	PaymentSourceManual PaymentSource = "manual"
)

// AttemptState is the lifecycle of a single STK push.
type AttemptState string

const (
	AttemptStatePending AttemptState = "pending"
	AttemptStateSettled AttemptState = "settled"
	AttemptStateFailed  AttemptState = "failed"
	AttemptStateExpired AttemptState = "expired"
)

// Terminal reports whether no further callback is expected for the attempt.
// Expired attempts still accept a late settlement.
func (s AttemptState) Terminal() bool {
	return s == AttemptStateSettled || s == AttemptStateFailed
}

// =============================================================================
// Booking
// =============================================================================

// TravelerDetails is the contact block captured by the booking form.
type TravelerDetails struct {
	FullName        string `json:"full_name" validate:"required,max=200"`
	Email           string `json:"email" validate:"required,email"`
	Phone           string `json:"phone" validate:"required,msisdn"`
	SpecialRequests string `json:"special_requests,omitempty" validate:"max=2000"`
}

// Booking is one customer's reservation against one listing and the
// aggregate root of its payment ledger.
//
// # Invariants
//
//   - TotalPaid >= 0 and never decreases.
//   - TotalPaid equals the sum of all Payment amounts for the booking.
//   - PaymentStatus == confirmed if and only if TotalPaid >= Amount.
//
// # Fields
//
//   - GatewayCorrelationID: CheckoutRequestID of the most recent push. Older
//     pushes stay matchable through their PaymentAttempt rows.
//   - Version: incremented on every ledger write.
type Booking struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	ListingID            string          `json:"listing_id"`
	CheckInDate          string          `json:"check_in_date"`
	CheckOutDate         string          `json:"check_out_date,omitempty"`
	PaymentMethod        PaymentMethod   `json:"payment_method"`
	TravelerDetails      TravelerDetails `json:"traveler_details"`
	Amount               decimal.Decimal `json:"amount"`
	TotalPaid            decimal.Decimal `json:"total_paid"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	Status               BookingStatus   `json:"status"`
	GatewayCorrelationID string          `json:"gateway_correlation_id,omitempty"`
	PaymentReference     string          `json:"payment_reference,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FullyPaid reports whether the cumulative paid amount covers the amount owed.
func (b *Booking) FullyPaid() bool {
	return b.TotalPaid.GreaterThanOrEqual(b.Amount)
}

// BookingView is the dashboard projection of a booking.
type BookingView struct {
	Booking
	Remaining   decimal.Decimal `json:"remaining_balance"`
	PercentPaid decimal.Decimal `json:"percent_paid"`
}

// NewBookingView computes the derived dashboard fields.
func NewBookingView(b Booking) BookingView {
	return BookingView{
		Booking:     b,
		Remaining:   Remaining(b.TotalPaid, b.Amount),
		PercentPaid: PercentPaid(b.TotalPaid, b.Amount),
	}
}

// =============================================================================
// Payment
// =============================================================================

// Payment is an immutable record of one settlement event. Rows are
// append-only and owned by the ledger.
type Payment struct {
	ID             string          `json:"id"`
	BookingID      string          `json:"booking_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    time.Time       `json:"payment_date"`
	GatewayReceipt string          `json:"gateway_receipt,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Source         PaymentSource   `json:"source"`
	RecordedBy     string          `json:"recorded_by,omitempty"`
}

// =============================================================================
// Payment Attempt
// =============================================================================

// PaymentAttempt records one STK push so its callback can be matched even
// after the booking has been re-initiated.
//
// # Fields
//
//   - OwedAmount: the amount the caller asked to collect.
//   - RequestedAmount: the whole-unit amount sent to the gateway (ceiling of
//     OwedAmount). The difference is the rounding delta.
type PaymentAttempt struct {
	CorrelationID     string          `json:"correlation_id"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	BookingID         string          `json:"booking_id"`
	OwedAmount        decimal.Decimal `json:"owed_amount"`
	RequestedAmount   decimal.Decimal `json:"requested_amount"`
	Phone             string          `json:"phone"`
	State             AttemptState    `json:"state"`
	ResultCode        *int            `json:"result_code,omitempty"`
	ResultDesc        string          `json:"result_desc,omitempty"`
	Receipt           string          `json:"receipt,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// =============================================================================
// Dead Letters
// =============================================================================

// UnmatchedCallback is a gateway callback whose correlation id matched no
// booking. Kept for manual reconciliation.
type UnmatchedCallback struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	ResultCode    int       `json:"result_code"`
	ResultDesc    string    `json:"result_desc,omitempty"`
	Reason        string    `json:"reason"`
	Raw           string    `json:"raw"`
	ReceivedAt    time.Time `json:"received_at"`
}
