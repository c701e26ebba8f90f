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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/feed"
	storage "github.com/ZiaraZetu/ZiaraPay/services/payments/storage/badger"
)

// =============================================================================
// Key Layout
// =============================================================================
//
//	booking/<id>                                  Booking
//	booking-created/<nanos>/<id>                  id            (newest-first listing)
//	attempt/<correlation>                         PaymentAttempt
//	booking-attempt/<booking>/<correlation>       correlation   (attempt history)
//	pending/<nanos>/<correlation>                 correlation   (reconciliation queue)
//	payment/<booking>/<nanos>/<payment>           Payment
//	receipt/<correlation>/<receipt>               payment id    (replay guard)
//	unmatched/<nanos>/<id>                        UnmatchedCallback
//
// <nanos> is a zero-padded unix nanosecond timestamp so lexical order is
// chronological order.

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	manualReceiptNS  = "manual"
)

func stamp(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

func bookingKey(id string) string { return "booking/" + id }

func bookingCreatedKey(b datatypes.Booking) string {
	return "booking-created/" + stamp(b.CreatedAt) + "/" + b.ID
}

func attemptKey(corr string) string { return "attempt/" + corr }

func bookingAttemptPrefix(bookingID string) string { return "booking-attempt/" + bookingID + "/" }

func pendingKey(a datatypes.PaymentAttempt) string {
	return "pending/" + stamp(a.CreatedAt) + "/" + a.CorrelationID
}

func paymentPrefix(bookingID string) string { return "payment/" + bookingID + "/" }

func paymentKey(p datatypes.Payment) string {
	return paymentPrefix(p.BookingID) + stamp(p.PaymentDate) + "/" + p.ID
}

func receiptKey(corr, receipt string) string { return "receipt/" + corr + "/" + receipt }

func unmatchedKey(u datatypes.UnmatchedCallback) string {
	return "unmatched/" + stamp(u.ReceivedAt) + "/" + u.ID
}

var errStopScan = errors.New("stop scan")

// =============================================================================
// Store
// =============================================================================

// BadgerStore is the Store backed by the embedded database.
//
// # Description
//
// Every money-changing operation runs in one optimistic transaction through
// storage.DB.Update. Two writers touching the same booking conflict at
// commit and the loser re-runs against the winner's result, so concurrent
// settlements for one booking add up exactly.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *storage.DB
	feed   feed.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// StoreOption configures a BadgerStore.
type StoreOption func(*BadgerStore)

// WithPublisher sends committed booking changes to p.
func WithPublisher(p feed.Publisher) StoreOption {
	return func(s *BadgerStore) {
		if p != nil {
			s.feed = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *BadgerStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *BadgerStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *storage.DB, opts ...StoreOption) *BadgerStore {
	s := &BadgerStore{
		db:     db,
		feed:   feed.Discard{},
		now:    datatypes.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Store = (*BadgerStore)(nil)

// =============================================================================
// Bookings
// =============================================================================

// CreateBooking implements Store.
func (s *BadgerStore) CreateBooking(ctx context.Context, b datatypes.Booking) (datatypes.Booking, error) {
	if b.Amount.IsNegative() {
		return b, fmt.Errorf("%w: amount must not be negative", datatypes.ErrValidation)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now()
	b.TotalPaid = decimal.Zero
	b.PaymentStatus, b.Status = DeriveStatus(b.TotalPaid, b.Amount)
	b.GatewayCorrelationID = ""
	b.PaymentReference = ""
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		exists, err := storage.Exists(txn, bookingKey(b.ID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: booking %s exists", datatypes.ErrDuplicate, b.ID)
		}
		if err := storage.SetJSON(txn, bookingKey(b.ID), b); err != nil {
			return err
		}
		return txn.Set([]byte(bookingCreatedKey(b)), []byte(b.ID))
	})
	if err != nil {
		return b, classify(err)
	}

	s.logger.Info("booking created",
		"booking_id", b.ID,
		"amount", b.Amount.String(),
		"payment_method", b.PaymentMethod)
	s.publish(feed.EventCreated, b, nil, nil)
	return b, nil
}

// GetBooking implements Store.
func (s *BadgerStore) GetBooking(ctx context.Context, id string) (datatypes.Booking, error) {
	var b datatypes.Booking
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		b, err = getBooking(txn, id)
		return err
	})
	return b, classify(err)
}

// ListBookings implements Store.
func (s *BadgerStore) ListBookings(ctx context.Context, limit int) ([]datatypes.Booking, error) {
	var out []datatypes.Booking
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		out = nil
		var ids []string
		err := storage.ScanPrefix(txn, "booking-created/", true, clampLimit(limit), func(_, val []byte) error {
			ids = append(ids, string(val))
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			b, err := getBooking(txn, id)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	return out, classify(err)
}

// CancelBooking implements Store.
func (s *BadgerStore) CancelBooking(ctx context.Context, id string) (datatypes.Booking, error) {
	var (
		b       datatypes.Booking
		changed bool
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		changed = false
		b, err = getBooking(txn, id)
		if err != nil {
			return err
		}
		switch b.Status {
		case datatypes.BookingStatusCancelled:
			return nil
		case datatypes.BookingStatusCompleted:
			return fmt.Errorf("%w: booking %s is completed", datatypes.ErrValidation, id)
		}
		b.Status = datatypes.BookingStatusCancelled
		b.Version++
		b.UpdatedAt = s.now()
		changed = true
		return storage.SetJSON(txn, bookingKey(id), b)
	})
	if err != nil {
		return b, classify(err)
	}
	if changed {
		s.logger.Info("booking cancelled", "booking_id", id)
		s.publish(feed.EventBookingCanceled, b, nil, nil)
	}
	return b, nil
}

// =============================================================================
// Attempts
// =============================================================================

// RecordAttempt implements Store.
func (s *BadgerStore) RecordAttempt(ctx context.Context, a datatypes.PaymentAttempt) error {
	if a.CorrelationID == "" || a.BookingID == "" {
		return fmt.Errorf("%w: attempt needs correlation and booking ids", datatypes.ErrValidation)
	}
	if a.State == "" {
		a.State = datatypes.AttemptStatePending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	var b datatypes.Booking
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		b, err = getBooking(txn, a.BookingID)
		if err != nil {
			return err
		}
		exists, err := storage.Exists(txn, attemptKey(a.CorrelationID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: attempt %s exists", datatypes.ErrDuplicate, a.CorrelationID)
		}

		b.GatewayCorrelationID = a.CorrelationID
		b.Version++
		b.UpdatedAt = s.now()

		if err := storage.SetJSON(txn, attemptKey(a.CorrelationID), a); err != nil {
			return err
		}
		if err := txn.Set([]byte(bookingAttemptPrefix(a.BookingID)+a.CorrelationID), []byte(a.CorrelationID)); err != nil {
			return err
		}
		if a.State == datatypes.AttemptStatePending {
			if err := txn.Set([]byte(pendingKey(a)), []byte(a.CorrelationID)); err != nil {
				return err
			}
		}
		return storage.SetJSON(txn, bookingKey(b.ID), b)
	})
	if err != nil {
		return classify(err)
	}
	s.publish(feed.EventAttemptStarted, b, nil, &a)
	return nil
}

// FindAttempt implements Store.
func (s *BadgerStore) FindAttempt(ctx context.Context, correlationID string) (datatypes.PaymentAttempt, error) {
	var a datatypes.PaymentAttempt
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		a, err = getAttempt(txn, correlationID)
		return err
	})
	return a, classify(err)
}

// ListAttempts implements Store.
func (s *BadgerStore) ListAttempts(ctx context.Context, bookingID string) ([]datatypes.PaymentAttempt, error) {
	var out []datatypes.PaymentAttempt
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		out = nil
		if _, err := getBooking(txn, bookingID); err != nil {
			return err
		}
		var corrs []string
		err := storage.ScanPrefix(txn, bookingAttemptPrefix(bookingID), false, 0, func(_, val []byte) error {
			corrs = append(corrs, string(val))
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range corrs {
			a, err := getAttempt(txn, c)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, classify(err)
}

// StaleAttempts implements Store.
func (s *BadgerStore) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]datatypes.PaymentAttempt, error) {
	cutoff := olderThan.UnixNano()
	capN := clampLimit(limit)
	var out []datatypes.PaymentAttempt
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		out = nil
		err := storage.ScanPrefix(txn, "pending/", false, 0, func(key, val []byte) error {
			parts := strings.SplitN(string(key), "/", 3)
			if len(parts) != 3 {
				return nil
			}
			created, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil
			}
			if created >= cutoff || len(out) >= capN {
				return errStopScan
			}
			a, err := getAttempt(txn, string(val))
			if err != nil {
				return err
			}
			if a.State == datatypes.AttemptStatePending {
				out = append(out, a)
			}
			return nil
		})
		if errors.Is(err, errStopScan) {
			return nil
		}
		return err
	})
	return out, classify(err)
}

// =============================================================================
// Settlement
// =============================================================================

// Settle implements Store.
//
// # Description
//
// In one transaction: rejects the settlement as a duplicate if the attempt is
// already settled or (correlation id, receipt) was seen before, then inserts
// the Payment row, adds its amount to the booking, re-derives the statuses and
// marks the attempt settled. Expired and failed attempts can still settle:
// money the gateway says it collected is always recorded.
//
// A settlement carrying a receipt for an attempt that was settled without one
// (a status query reports no receipt) attaches that receipt to the existing
// Payment row, the attempt and the receipt index, and still returns
// ErrDuplicate. TotalPaid does not change.
//
// # Outputs
//
//   - SettleResult: the committed booking, payment and attempt.
//   - error: ErrDuplicate on replay; ErrNotFound when the correlation id is
//     unknown; ErrValidation for a non-positive amount.
func (s *BadgerStore) Settle(ctx context.Context, in Settlement) (SettleResult, error) {
	if in.CorrelationID == "" || !in.Amount.IsPositive() {
		return SettleResult{}, fmt.Errorf("%w: settlement needs correlation id and positive amount", datatypes.ErrValidation)
	}
	if in.Source == "" {
		in.Source = datatypes.PaymentSourceCallback
	}

	ctx, span := tracer.Start(ctx, "ledger.Settle", trace.WithAttributes(
		attribute.String("correlation_id", in.CorrelationID),
		attribute.String("source", string(in.Source)),
	))
	defer span.End()

	var (
		res      SettleResult
		attached bool
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		res = SettleResult{}
		attached = false
		now := s.now()

		attempt, err := getAttempt(txn, in.CorrelationID)
		if err != nil {
			return err
		}
		if attempt.State == datatypes.AttemptStateSettled {
			if attempt.Receipt != "" || in.Receipt == "" {
				return fmt.Errorf("%w: correlation %s already settled", datatypes.ErrDuplicate, in.CorrelationID)
			}
			res, err = attachReceipt(txn, attempt, in.Receipt, now)
			if err != nil {
				return err
			}
			attached = true
			return nil
		}
		if in.Receipt != "" {
			seen, err := storage.Exists(txn, receiptKey(in.CorrelationID, in.Receipt))
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: receipt %s already recorded", datatypes.ErrDuplicate, in.Receipt)
			}
		}

		booking, err := getBooking(txn, attempt.BookingID)
		if err != nil {
			return err
		}

		payment := datatypes.Payment{
			ID:             uuid.NewString(),
			BookingID:      booking.ID,
			Amount:         in.Amount,
			PaymentDate:    now,
			GatewayReceipt: in.Receipt,
			CorrelationID:  in.CorrelationID,
			Source:         in.Source,
		}
		booking = ApplySettlement(booking, in.Amount, in.Receipt, now)

		code := 0
		attempt.State = datatypes.AttemptStateSettled
		attempt.ResultCode = &code
		attempt.Receipt = in.Receipt
		attempt.ResolvedAt = &now
		if attempt.ResultDesc == "" {
			attempt.ResultDesc = "settled via " + string(in.Source)
		}

		if err := storage.SetJSON(txn, paymentKey(payment), payment); err != nil {
			return err
		}
		if in.Receipt != "" {
			if err := txn.Set([]byte(receiptKey(in.CorrelationID, in.Receipt)), []byte(payment.ID)); err != nil {
				return err
			}
		}
		if err := storage.SetJSON(txn, bookingKey(booking.ID), booking); err != nil {
			return err
		}
		if err := storage.SetJSON(txn, attemptKey(attempt.CorrelationID), attempt); err != nil {
			return err
		}
		if err := txn.Delete([]byte(pendingKey(attempt))); err != nil {
			return err
		}
		res = SettleResult{Booking: booking, Payment: payment, Attempt: attempt}
		return nil
	})
	if errors.Is(err, datatypes.ErrDuplicate) {
		recordDuplicate(ctx, "settle")
		span.SetAttributes(attribute.Bool("duplicate", true))
		return res, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
		return res, classify(err)
	}
	if attached {
		recordDuplicate(ctx, "settle")
		span.SetAttributes(attribute.Bool("duplicate", true), attribute.Bool("receipt_attached", true))
		s.logger.Info("receipt attached to settled payment",
			"booking_id", res.Booking.ID,
			"correlation_id", in.CorrelationID,
			"receipt", in.Receipt,
			"payment_id", res.Payment.ID,
			"source", in.Source)
		s.publish(feed.EventReceiptAttached, res.Booking, &res.Payment, &res.Attempt)
		return res, fmt.Errorf("%w: correlation %s already settled, receipt %s attached",
			datatypes.ErrDuplicate, in.CorrelationID, in.Receipt)
	}

	recordSettlement(ctx, in.Source, in.Amount)
	s.logger.Info("payment settled",
		"booking_id", res.Booking.ID,
		"correlation_id", in.CorrelationID,
		"receipt", in.Receipt,
		"amount", in.Amount.String(),
		"total_paid", res.Booking.TotalPaid.String(),
		"payment_status", res.Booking.PaymentStatus,
		"source", in.Source)
	s.publish(feed.EventPaymentSettled, res.Booking, &res.Payment, &res.Attempt)
	return res, nil
}

// attachReceipt fills in the receipt of a payment that was settled without
// one. The booking's PaymentReference is updated only when it is empty or the
// payment is the booking's latest.
func attachReceipt(txn *badger.Txn, attempt datatypes.PaymentAttempt, receipt string, now time.Time) (SettleResult, error) {
	booking, err := getBooking(txn, attempt.BookingID)
	if err != nil {
		return SettleResult{}, err
	}
	payments, err := listPayments(txn, booking.ID)
	if err != nil {
		return SettleResult{}, err
	}

	var (
		payment datatypes.Payment
		found   bool
	)
	for _, p := range payments {
		if p.CorrelationID == attempt.CorrelationID && p.GatewayReceipt == "" {
			payment, found = p, true
			break
		}
	}
	if !found {
		return SettleResult{}, fmt.Errorf("%w: correlation %s already settled", datatypes.ErrDuplicate, attempt.CorrelationID)
	}
	latest := true
	for _, p := range payments {
		if p.ID != payment.ID && p.PaymentDate.After(payment.PaymentDate) {
			latest = false
			break
		}
	}

	payment.GatewayReceipt = receipt
	attempt.Receipt = receipt
	if err := storage.SetJSON(txn, paymentKey(payment), payment); err != nil {
		return SettleResult{}, err
	}
	if err := txn.Set([]byte(receiptKey(attempt.CorrelationID, receipt)), []byte(payment.ID)); err != nil {
		return SettleResult{}, err
	}
	if err := storage.SetJSON(txn, attemptKey(attempt.CorrelationID), attempt); err != nil {
		return SettleResult{}, err
	}
	if booking.PaymentReference == "" || latest {
		booking.PaymentReference = receipt
		booking.Version++
		booking.UpdatedAt = now
		if err := storage.SetJSON(txn, bookingKey(booking.ID), booking); err != nil {
			return SettleResult{}, err
		}
	}
	return SettleResult{Booking: booking, Payment: payment, Attempt: attempt}, nil
}

// Fail implements Store.
func (s *BadgerStore) Fail(ctx context.Context, f Failure) (datatypes.Booking, error) {
	ctx, span := tracer.Start(ctx, "ledger.Fail", trace.WithAttributes(
		attribute.String("correlation_id", f.CorrelationID),
		attribute.Int("result_code", f.ResultCode),
	))
	defer span.End()

	var (
		booking datatypes.Booking
		attempt datatypes.PaymentAttempt
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		now := s.now()
		var err error
		attempt, err = getAttempt(txn, f.CorrelationID)
		if err != nil {
			return err
		}
		if attempt.State.Terminal() {
			return fmt.Errorf("%w: attempt %s already %s", datatypes.ErrDuplicate, f.CorrelationID, attempt.State)
		}
		booking, err = getBooking(txn, attempt.BookingID)
		if err != nil {
			return err
		}
		booking = ApplyFailure(booking, now)

		code := f.ResultCode
		attempt.State = datatypes.AttemptStateFailed
		attempt.ResultCode = &code
		attempt.ResultDesc = f.ResultDesc
		attempt.ResolvedAt = &now

		if err := storage.SetJSON(txn, attemptKey(attempt.CorrelationID), attempt); err != nil {
			return err
		}
		if err := txn.Delete([]byte(pendingKey(attempt))); err != nil {
			return err
		}
		return storage.SetJSON(txn, bookingKey(booking.ID), booking)
	})
	if errors.Is(err, datatypes.ErrDuplicate) {
		recordDuplicate(ctx, "fail")
		return booking, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail failed")
		return booking, classify(err)
	}

	s.logger.Info("payment failed",
		"booking_id", booking.ID,
		"correlation_id", f.CorrelationID,
		"result_code", f.ResultCode,
		"result_desc", f.ResultDesc,
		"payment_status", booking.PaymentStatus)
	s.publish(feed.EventPaymentFailed, booking, nil, &attempt)
	return booking, nil
}

// Expire implements Store.
func (s *BadgerStore) Expire(ctx context.Context, correlationID, reason string) error {
	var (
		booking datatypes.Booking
		attempt datatypes.PaymentAttempt
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		now := s.now()
		var err error
		attempt, err = getAttempt(txn, correlationID)
		if err != nil {
			return err
		}
		if attempt.State != datatypes.AttemptStatePending {
			return fmt.Errorf("%w: attempt %s is %s", datatypes.ErrDuplicate, correlationID, attempt.State)
		}
		booking, err = getBooking(txn, attempt.BookingID)
		if err != nil {
			return err
		}
		attempt.State = datatypes.AttemptStateExpired
		attempt.ResultDesc = reason
		attempt.ResolvedAt = &now
		if err := storage.SetJSON(txn, attemptKey(correlationID), attempt); err != nil {
			return err
		}
		return txn.Delete([]byte(pendingKey(attempt)))
	})
	if err != nil {
		return classify(err)
	}
	s.logger.Warn("payment attempt expired",
		"booking_id", attempt.BookingID,
		"correlation_id", correlationID,
		"reason", reason)
	s.publish(feed.EventAttemptExpired, booking, nil, &attempt)
	return nil
}

// ApproveManually implements Store.
//
// # Description
//
// Records a manual Payment for the outstanding balance, which confirms the
// booking through the ordinary settlement rule. A non-empty reference is
// unique across manual approvals.
func (s *BadgerStore) ApproveManually(ctx context.Context, bookingID, reference, actor string) (SettleResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.ApproveManually", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
	))
	defer span.End()

	var res SettleResult
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		res = SettleResult{}
		now := s.now()
		booking, err := getBooking(txn, bookingID)
		if err != nil {
			return err
		}
		if booking.Status == datatypes.BookingStatusCancelled {
			return fmt.Errorf("%w: booking %s is cancelled", datatypes.ErrValidation, bookingID)
		}
		if booking.FullyPaid() {
			return fmt.Errorf("%w: booking %s is fully paid", datatypes.ErrDuplicate, bookingID)
		}
		if reference != "" {
			seen, err := storage.Exists(txn, receiptKey(manualReceiptNS, reference))
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: reference %s already used", datatypes.ErrDuplicate, reference)
			}
		}

		outstanding := datatypes.Remaining(booking.TotalPaid, booking.Amount)
		payment := datatypes.Payment{
			ID:             uuid.NewString(),
			BookingID:      bookingID,
			Amount:         outstanding,
			PaymentDate:    now,
			GatewayReceipt: reference,
			Source:         datatypes.PaymentSourceManual,
			RecordedBy:     actor,
		}
		booking = ApplySettlement(booking, outstanding, reference, now)

		if err := storage.SetJSON(txn, paymentKey(payment), payment); err != nil {
			return err
		}
		if reference != "" {
			if err := txn.Set([]byte(receiptKey(manualReceiptNS, reference)), []byte(payment.ID)); err != nil {
				return err
			}
		}
		if err := storage.SetJSON(txn, bookingKey(bookingID), booking); err != nil {
			return err
		}
		res = SettleResult{Booking: booking, Payment: payment}
		return nil
	})
	if err != nil {
		if errors.Is(err, datatypes.ErrDuplicate) {
			recordDuplicate(ctx, "approve")
		} else {
			span.RecordError(err)
		}
		return res, classify(err)
	}

	recordSettlement(ctx, datatypes.PaymentSourceManual, res.Payment.Amount)
	s.logger.Info("booking approved manually",
		"booking_id", bookingID,
		"amount", res.Payment.Amount.String(),
		"actor", actor,
		"reference", reference)
	s.publish(feed.EventManualApproval, res.Booking, &res.Payment, nil)
	return res, nil
}

// ListPayments implements Store.
func (s *BadgerStore) ListPayments(ctx context.Context, bookingID string) ([]datatypes.Payment, error) {
	var out []datatypes.Payment
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		if _, err := getBooking(txn, bookingID); err != nil {
			return err
		}
		var err error
		out, err = listPayments(txn, bookingID)
		return err
	})
	return out, classify(err)
}

// =============================================================================
// Dead Letters
// =============================================================================

// RecordUnmatched implements Store.
func (s *BadgerStore) RecordUnmatched(ctx context.Context, u datatypes.UnmatchedCallback) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = s.now()
	}
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return storage.SetJSON(txn, unmatchedKey(u), u)
	})
	if err != nil {
		return classify(err)
	}
	s.logger.Warn("unmatched callback recorded",
		"correlation_id", u.CorrelationID,
		"result_code", u.ResultCode,
		"reason", u.Reason)
	return nil
}

// ListUnmatched implements Store.
func (s *BadgerStore) ListUnmatched(ctx context.Context, limit int) ([]datatypes.UnmatchedCallback, error) {
	var out []datatypes.UnmatchedCallback
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		out = nil
		return storage.ScanPrefix(txn, "unmatched/", true, clampLimit(limit), func(_, val []byte) error {
			var u datatypes.UnmatchedCallback
			if err := decode(val, &u); err != nil {
				return err
			}
			out = append(out, u)
			return nil
		})
	})
	return out, classify(err)
}

// =============================================================================
// Verification
// =============================================================================

// Verify implements Store.
func (s *BadgerStore) Verify(ctx context.Context, bookingID string) (Report, error) {
	var r Report
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		b, err := getBooking(txn, bookingID)
		if err != nil {
			return err
		}
		payments, err := listPayments(txn, bookingID)
		if err != nil {
			return err
		}
		r = Check(b, payments)
		return nil
	})
	if err != nil {
		return r, classify(err)
	}
	if !r.Consistent {
		recordDrift(ctx, false)
		s.logger.Warn("ledger drift detected",
			"booking_id", bookingID,
			"total_drift", r.TotalDrift.String(),
			"status_drift", r.StatusDrift)
	}
	return r, nil
}

// Repair implements Store.
func (s *BadgerStore) Repair(ctx context.Context, bookingID string) (Report, error) {
	ctx, span := tracer.Start(ctx, "ledger.Repair", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
	))
	defer span.End()

	var (
		r       Report
		booking datatypes.Booking
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		b, err := getBooking(txn, bookingID)
		if err != nil {
			return err
		}
		payments, err := listPayments(txn, bookingID)
		if err != nil {
			return err
		}
		booking, r = Repair(b, payments, s.now())
		if !r.Repaired {
			return nil
		}
		return storage.SetJSON(txn, bookingKey(bookingID), booking)
	})
	if err != nil {
		span.RecordError(err)
		return r, classify(err)
	}
	if r.Repaired {
		recordDrift(ctx, true)
		s.logger.Warn("ledger repaired",
			"booking_id", bookingID,
			"recorded_total", r.RecordedTotal.String(),
			"payments_total", r.PaymentsTotal.String(),
			"payment_status", booking.PaymentStatus)
		s.publish(feed.EventLedgerRepaired, booking, nil, nil)
	}
	return r, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *BadgerStore) publish(t feed.EventType, b datatypes.Booking, p *datatypes.Payment, a *datatypes.PaymentAttempt) {
	s.feed.Publish(feed.BookingEvent{
		Type:      t,
		BookingID: b.ID,
		Booking:   datatypes.NewBookingView(b),
		Payment:   p,
		Attempt:   a,
		At:        s.now(),
	})
}

func getBooking(txn *badger.Txn, id string) (datatypes.Booking, error) {
	var b datatypes.Booking
	err := storage.GetJSON(txn, bookingKey(id), &b)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return b, fmt.Errorf("%w: booking %s", datatypes.ErrNotFound, id)
	}
	return b, err
}

func getAttempt(txn *badger.Txn, corr string) (datatypes.PaymentAttempt, error) {
	var a datatypes.PaymentAttempt
	if corr == "" {
		return a, fmt.Errorf("%w: empty correlation id", datatypes.ErrNotFound)
	}
	err := storage.GetJSON(txn, attemptKey(corr), &a)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return a, fmt.Errorf("%w: correlation id %s", datatypes.ErrNotFound, corr)
	}
	return a, err
}

func listPayments(txn *badger.Txn, bookingID string) ([]datatypes.Payment, error) {
	var out []datatypes.Payment
	err := storage.ScanPrefix(txn, paymentPrefix(bookingID), true, 0, func(_, val []byte) error {
		var p datatypes.Payment
		if err := decode(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func decode(val []byte, v interface{}) error {
	return json.Unmarshal(val, v)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// classify keeps domain errors intact and wraps everything else as a
// persistence failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		datatypes.ErrNotFound,
		datatypes.ErrDuplicate,
		datatypes.ErrValidation,
		datatypes.ErrPersistence,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", datatypes.ErrPersistence, err)
}
