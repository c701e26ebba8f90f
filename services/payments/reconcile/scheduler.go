// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile resolves payment attempts whose callback never arrived by
// asking the gateway for their status.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/daraja"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
)

var tracer = otel.Tracer("ziarapay.reconcile")

// =============================================================================
// Configuration
// =============================================================================

// Config holds the reconciliation settings.
//
// # Fields
//
//   - Interval: time between cycles. Default: 1 minute.
//   - StaleAfter: an attempt with no result for this long is queried. Default: 2 minutes.
//   - ExpireAfter: a still-pending attempt this old is expired. Default: 30 minutes.
//   - BatchSize: maximum attempts examined per cycle. Default: 100.
//   - Concurrency: maximum concurrent status queries. Default: 4.
//   - Clock: time source. Default: time.Now.
type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		StaleAfter:  2 * time.Minute,
		ExpireAfter: 30 * time.Minute,
		BatchSize:   100,
		Concurrency: 4,
		Clock:       time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.ExpireAfter < c.StaleAfter {
		c.ExpireAfter = d.ExpireAfter
		if c.ExpireAfter < c.StaleAfter {
			c.ExpireAfter = c.StaleAfter
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// CycleResult summarises one reconciliation cycle.
type CycleResult struct {
	Checked      int       `json:"checked"`
	Settled      int       `json:"settled"`
	Failed       int       `json:"failed"`
	Expired      int       `json:"expired"`
	StillPending int       `json:"still_pending"`
	Errors       int       `json:"errors"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// DurationMs returns the cycle duration in milliseconds.
func (r CycleResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs reconciliation cycles in the background.
//
// # Description
//
// Each cycle loads pending attempts older than StaleAfter and queries the
// gateway for each one:
//   - paid: settled with source status_query for the requested amount;
//   - any other definitive result: marked failed;
//   - still processing or query error: left pending, or expired once older
//     than ExpireAfter.
//
// A callback that arrives after a status-query settlement is a duplicate.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Cycles never overlap.
type Scheduler struct {
	store   ledger.Store
	gateway daraja.Gateway
	metrics *observability.PaymentMetrics
	logger  *slog.Logger
	config  Config

	cycle   sync.Mutex
	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records cycle results.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a reconciliation scheduler. Zero config fields take
// their defaults.
//
// # Examples
//
//	s := reconcile.NewScheduler(store, client, reconcile.Config{Interval: time.Minute})
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Stop()
func NewScheduler(store ledger.Store, gateway daraja.Gateway, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		gateway: gateway,
		config:  cfg.withDefaults(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins the background loop. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("reconcile scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("Reconcile scheduler starting",
		"interval", s.config.Interval.String(),
		"stale_after", s.config.StaleAfter.String(),
		"expire_after", s.config.ExpireAfter.String(),
		"batch_size", s.config.BatchSize)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for the current cycle to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Reconcile scheduler stopping")
	close(s.done)
	stopped := s.stopped
	s.running = false
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow runs one cycle immediately.
func (s *Scheduler) RunNow(ctx context.Context) (CycleResult, error) {
	return s.runCycle(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconcile scheduler stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("Reconcile scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCycle(ctx)
		}
	}
}

func (s *Scheduler) executeCycle(ctx context.Context) {
	result, err := s.runCycle(ctx)
	if err != nil {
		s.logger.Error("Reconcile cycle failed", "error", err)
		return
	}
	if result.Checked > 0 {
		s.logger.Info("Reconcile cycle completed",
			"checked", result.Checked,
			"settled", result.Settled,
			"failed", result.Failed,
			"expired", result.Expired,
			"still_pending", result.StillPending,
			"errors", result.Errors,
			"duration_ms", result.DurationMs())
	} else {
		s.logger.Debug("Reconcile cycle completed (nothing stale)")
	}
}

// =============================================================================
// Cycle
// =============================================================================

type outcome int

const (
	outcomePending outcome = iota
	outcomeSettled
	outcomeFailed
	outcomeExpired
	outcomeResolvedElsewhere
)

func (s *Scheduler) runCycle(ctx context.Context) (CycleResult, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	ctx, span := tracer.Start(ctx, "reconcile.Cycle")
	defer span.End()

	now := s.config.Clock()
	result := CycleResult{StartTime: now}

	stale, err := s.store.StaleAttempts(ctx, now.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("load stale attempts: %w", err)
	}
	result.Checked = len(stale)
	span.SetAttributes(attribute.Int("checked", len(stale)))
	if len(stale) == 0 {
		result.EndTime = s.config.Clock()
		s.metrics.RecordReconcileCycle(0, 0, 0, 0, 0)
		return result, nil
	}

	// One token per cycle. Without one every attempt is treated as a query
	// error and only expiry applies.
	var token string
	tokenErr := s.gateway.Ready()
	if tokenErr == nil {
		token, tokenErr = s.gateway.Token(ctx)
	}
	if tokenErr != nil {
		s.logger.Warn("Reconcile cannot query gateway", "error", tokenErr)
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, a := range stale {
		a := a
		g.Go(func() error {
			out, err := s.reconcileOne(gCtx, a, now, token, tokenErr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
			}
			switch out {
			case outcomeSettled:
				result.Settled++
			case outcomeFailed:
				result.Failed++
			case outcomeExpired:
				result.Expired++
			case outcomePending:
				result.StillPending++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.EndTime = s.config.Clock()
	s.metrics.RecordReconcileCycle(result.Settled, result.Failed, result.Expired, result.StillPending, result.Errors)
	return result, nil
}

// reconcileOne resolves a single attempt. A non-nil error is counted but
// never stops the cycle.
func (s *Scheduler) reconcileOne(ctx context.Context, a datatypes.PaymentAttempt, now time.Time, token string, tokenErr error) (outcome, error) {
	queryErr := tokenErr
	if queryErr == nil {
		q, err := s.gateway.QueryStatus(ctx, token, a.CorrelationID)
		queryErr = err
		if err == nil && !q.Pending {
			if q.Succeeded() {
				return s.settle(ctx, a)
			}
			return s.fail(ctx, a, q)
		}
	}
	if queryErr != nil && tokenErr == nil {
		s.logger.Warn("Status query failed",
			"correlation_id", a.CorrelationID,
			"booking_id", a.BookingID,
			"error", queryErr)
	}

	if a.CreatedAt.Before(now.Add(-s.config.ExpireAfter)) {
		reason := fmt.Sprintf("no result after %s", s.config.ExpireAfter)
		if err := s.store.Expire(ctx, a.CorrelationID, reason); err != nil {
			if errors.Is(err, datatypes.ErrDuplicate) {
				return outcomeResolvedElsewhere, nil
			}
			return outcomePending, err
		}
		return outcomeExpired, nil
	}
	return outcomePending, queryErr
}

func (s *Scheduler) settle(ctx context.Context, a datatypes.PaymentAttempt) (outcome, error) {
	amount := a.RequestedAmount
	if !amount.IsPositive() {
		amount = a.OwedAmount
	}
	_, err := s.store.Settle(ctx, ledger.Settlement{
		CorrelationID: a.CorrelationID,
		Amount:        amount,
		PhoneNumber:   a.Phone,
		Source:        datatypes.PaymentSourceStatusQuery,
	})
	if errors.Is(err, datatypes.ErrDuplicate) {
		return outcomeResolvedElsewhere, nil
	}
	if err != nil {
		return outcomePending, err
	}
	f, _ := amount.Float64()
	s.metrics.RecordSettled(datatypes.PaymentSourceStatusQuery, f)
	return outcomeSettled, nil
}

func (s *Scheduler) fail(ctx context.Context, a datatypes.PaymentAttempt, q daraja.QueryResult) (outcome, error) {
	_, err := s.store.Fail(ctx, ledger.Failure{
		CorrelationID: a.CorrelationID,
		ResultCode:    q.ResultCode,
		ResultDesc:    q.ResultDesc,
	})
	if errors.Is(err, datatypes.ErrDuplicate) {
		return outcomeResolvedElsewhere, nil
	}
	if err != nil {
		return outcomePending, err
	}
	return outcomeFailed, nil
}
