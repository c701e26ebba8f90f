// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package callback applies the gateway's asynchronous STK results to the
// ledger.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/telemetry"
)

var tracer = otel.Tracer("ziarapay.callback")

// maxRawBytes bounds the payload copy kept on a dead letter.
const maxRawBytes = 8 << 10

// Handler is the payment callback component.
//
// # Description
//
// Matches a callback to its PaymentAttempt by CheckoutRequestID, then either
// settles it (appending a Payment) or marks it failed. Unmatched callbacks are
// kept as dead letters. Replays are recognised by the ledger and reported as
// duplicates, which the gateway still sees as accepted.
//
// # Thread Safety
//
// Safe for concurrent use. Per-booking serialization is done by the ledger.
type Handler struct {
	store   ledger.Store
	metrics *observability.PaymentMetrics
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records callback results.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Handler.
func New(store ledger.Store, opts ...Option) *Handler {
	h := &Handler{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle parses and applies one callback body.
//
// # Outputs
//
//   - string: the observability.Callback* label describing what happened.
//   - error: nil for applied and duplicate callbacks. Otherwise wraps
//     ErrValidation (malformed), ErrNotFound (no attempt for the
//     correlation id) or ErrPersistence.
func (h *Handler) Handle(ctx context.Context, body []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "callback.Handle")
	defer span.End()

	outcome, err := h.handle(ctx, body)
	h.metrics.RecordCallback(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return outcome, err
}

func (h *Handler) handle(ctx context.Context, body []byte) (string, error) {
	res, corr, err := Parse(body)
	if err != nil {
		h.log(ctx).Warn("Invalid callback payload", "correlation_id", corr, "error", err)
		return observability.CallbackInvalid, err
	}

	if _, err := h.store.FindAttempt(ctx, corr); err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			return h.deadLetter(ctx, res, body)
		}
		h.log(ctx).Error("Error looking up payment attempt", "correlation_id", corr, "error", err)
		return observability.CallbackError, err
	}

	switch r := res.(type) {
	case Success:
		return h.settle(ctx, r)
	case Failure:
		return h.fail(ctx, r)
	default:
		return observability.CallbackInvalid, fmt.Errorf("%w: unknown callback result %T", datatypes.ErrValidation, res)
	}
}

func (h *Handler) settle(ctx context.Context, s Success) (string, error) {
	out, err := h.store.Settle(ctx, ledger.Settlement{
		CorrelationID:   s.CorrelationID,
		Receipt:         s.Receipt,
		Amount:          s.Amount,
		PhoneNumber:     s.Phone,
		TransactionDate: s.TransactionDate,
		Source:          datatypes.PaymentSourceCallback,
	})
	switch {
	case errors.Is(err, datatypes.ErrDuplicate):
		h.log(ctx).Info("Duplicate settlement callback ignored",
			"correlation_id", s.CorrelationID,
			"receipt", s.Receipt)
		return observability.CallbackDuplicate, nil
	case err != nil:
		h.log(ctx).Error("Error settling payment",
			"correlation_id", s.CorrelationID,
			"receipt", s.Receipt,
			"error", err)
		return observability.CallbackError, err
	}
	amount, _ := s.Amount.Float64()
	h.metrics.RecordSettled(datatypes.PaymentSourceCallback, amount)
	h.log(ctx).Info("Callback settled payment",
		"booking_id", out.Booking.ID,
		"correlation_id", s.CorrelationID,
		"amount", s.Amount.String(),
		"payment_status", out.Booking.PaymentStatus)
	return observability.CallbackSettled, nil
}

func (h *Handler) fail(ctx context.Context, f Failure) (string, error) {
	b, err := h.store.Fail(ctx, ledger.Failure{
		CorrelationID: f.CorrelationID,
		ResultCode:    f.Code,
		ResultDesc:    f.Desc,
	})
	switch {
	case errors.Is(err, datatypes.ErrDuplicate):
		h.log(ctx).Info("Duplicate failure callback ignored", "correlation_id", f.CorrelationID)
		return observability.CallbackDuplicate, nil
	case err != nil:
		h.log(ctx).Error("Error recording failed payment", "correlation_id", f.CorrelationID, "error", err)
		return observability.CallbackError, err
	}
	h.log(ctx).Info("Callback reported failed payment",
		"booking_id", b.ID,
		"correlation_id", f.CorrelationID,
		"result_code", f.Code,
		"result_desc", f.Desc)
	return observability.CallbackFailed, nil
}

func (h *Handler) deadLetter(ctx context.Context, res Result, body []byte) (string, error) {
	u := datatypes.UnmatchedCallback{
		CorrelationID: res.Correlation(),
		Reason:        "no payment attempt for correlation id",
		Raw:           truncate(body, maxRawBytes),
	}
	if f, ok := res.(Failure); ok {
		u.ResultCode = f.Code
		u.ResultDesc = f.Desc
	}
	if err := h.store.RecordUnmatched(ctx, u); err != nil {
		h.log(ctx).Error("Failed to record unmatched callback",
			"correlation_id", u.CorrelationID,
			"error", err)
	}
	return observability.CallbackUnmatched, fmt.Errorf("%w: no payment attempt for %s", datatypes.ErrNotFound, u.CorrelationID)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// Ack maps a Handle error to the HTTP status and body returned to the gateway.
func Ack(err error) (int, datatypes.CallbackAck) {
	if err != nil {
		return http.StatusBadRequest, datatypes.AckFailed
	}
	return http.StatusOK, datatypes.AckAccepted
}

// log returns the logger tagged with the trace and span ids carried by ctx.
func (h *Handler) log(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithTrace(ctx, h.logger)
}
