// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package initiator starts M-Pesa payments: it asks the gateway to prompt the
// payer's phone and remembers the push so its callback can be matched later.
package initiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/daraja"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/telemetry"
)

var tracer = otel.Tracer("ziarapay.initiator")

// Initiator is the payment initiation component.
//
// # Thread Safety
//
// Safe for concurrent use. Initiations are independent; there is no
// idempotency across calls and each one is a new push.
type Initiator struct {
	gateway daraja.Gateway
	store   ledger.Store
	metrics *observability.PaymentMetrics
	logger  *slog.Logger
}

// Option configures an Initiator.
type Option func(*Initiator)

// WithMetrics records initiation outcomes.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(i *Initiator) { i.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Initiator) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates an Initiator.
func New(gateway daraja.Gateway, store ledger.Store, opts ...Option) *Initiator {
	i := &Initiator{
		gateway: gateway,
		store:   store,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Initiate asks the gateway to push a payment prompt for a booking.
//
// # Description
//
// Steps, each failing fast:
//  1. Validate the request (booking id, plausible phone, amount > 0).
//  2. Check gateway configuration is complete.
//  3. Load the booking. Cancelled or fully paid bookings are refused.
//  4. Fetch a fresh access token.
//  5. Send the STK push (amount rounded up to whole shillings).
//  6. Record the push as a PaymentAttempt and as the booking's latest
//     correlation id.
//
// # Outputs
//
//   - InitiateResponse: the fixed "check your phone" message.
//   - error: wraps ErrValidation, ErrConfiguration, ErrNotFound,
//     ErrGatewayAuth, ErrGatewayRequest or ErrPersistence.
//
// # Limitations
//
//   - If step 6 fails the payer has already been prompted. The push is then
//     only recoverable from the error log, which carries the
//     CheckoutRequestID.
func (i *Initiator) Initiate(ctx context.Context, req datatypes.InitiateRequest) (datatypes.InitiateResponse, error) {
	ctx, span := tracer.Start(ctx, "initiator.Initiate")
	defer span.End()

	resp, err := i.initiate(ctx, req)
	i.metrics.RecordInitiation(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, observability.OutcomeFor(err))
		i.log(ctx).Error("Error in payment initiation",
			"booking_id", req.BookingID,
			"outcome", observability.OutcomeFor(err),
			"error", err)
	}
	return resp, err
}

func (i *Initiator) initiate(ctx context.Context, req datatypes.InitiateRequest) (datatypes.InitiateResponse, error) {
	if err := req.Validate(); err != nil {
		return datatypes.InitiateResponse{}, err
	}
	if err := i.gateway.Ready(); err != nil {
		return datatypes.InitiateResponse{}, err
	}

	booking, err := i.store.GetBooking(ctx, req.BookingID)
	if err != nil {
		return datatypes.InitiateResponse{}, err
	}
	if booking.Status == datatypes.BookingStatusCancelled {
		return datatypes.InitiateResponse{}, fmt.Errorf("%w: booking %s is cancelled", datatypes.ErrValidation, booking.ID)
	}
	if booking.FullyPaid() {
		return datatypes.InitiateResponse{}, fmt.Errorf("%w: booking %s is already fully paid", datatypes.ErrValidation, booking.ID)
	}

	token, err := i.gateway.Token(ctx)
	if err != nil {
		return datatypes.InitiateResponse{}, err
	}

	push, err := i.gateway.STKPush(ctx, token, daraja.PushRequest{
		BookingID: booking.ID,
		Phone:     req.PhoneNumber,
		Amount:    req.Amount,
	})
	if err != nil {
		return datatypes.InitiateResponse{}, err
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("booking_id", booking.ID),
		attribute.String("correlation_id", push.CheckoutRequestID),
	)

	attempt := datatypes.PaymentAttempt{
		CorrelationID:     push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
		BookingID:         booking.ID,
		OwedAmount:        req.Amount,
		RequestedAmount:   decimal.NewFromInt(push.RequestedAmount),
		Phone:             push.Phone,
		State:             datatypes.AttemptStatePending,
	}
	if err := i.store.RecordAttempt(ctx, attempt); err != nil {
		if !errors.Is(err, datatypes.ErrPersistence) {
			err = fmt.Errorf("%w: %v", datatypes.ErrPersistence, err)
		}
		i.log(ctx).Error("Failed to store CheckoutRequestID; push was sent",
			"booking_id", booking.ID,
			"correlation_id", push.CheckoutRequestID,
			"requested_amount", push.RequestedAmount,
			"error", err)
		return datatypes.InitiateResponse{}, fmt.Errorf("failed to store CheckoutRequestID: %w", err)
	}

	i.log(ctx).Info("STK push initiated",
		"booking_id", booking.ID,
		"correlation_id", push.CheckoutRequestID,
		"owed_amount", req.Amount.String(),
		"requested_amount", push.RequestedAmount,
		"rounding_delta", datatypes.RoundingDelta(req.Amount).String(),
		"phone", push.Phone)
	return datatypes.InitiateResponse{Message: datatypes.InitiateSuccessMessage}, nil
}

// log returns the logger tagged with the trace and span ids carried by ctx.
func (i *Initiator) log(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithTrace(ctx, i.logger)
}
