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
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

var (
	meter  = otel.Meter("ziarapay.ledger")
	tracer = otel.Tracer("ziarapay.ledger")
)

var (
	settlementsTotal metric.Int64Counter
	settledAmount    metric.Float64Counter
	duplicatesTotal  metric.Int64Counter
	conflictsTotal   metric.Int64Counter
	driftTotal       metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		settlementsTotal, err = meter.Int64Counter(
			"ledger_settlements_total",
			metric.WithDescription("Payments committed to the ledger"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		settledAmount, err = meter.Float64Counter(
			"ledger_settled_amount",
			metric.WithDescription("Sum of committed payment amounts"),
			metric.WithUnit("KES"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		duplicatesTotal, err = meter.Int64Counter(
			"ledger_duplicates_total",
			metric.WithDescription("Settlements rejected as already applied"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictsTotal, err = meter.Int64Counter(
			"ledger_txn_conflicts_total",
			metric.WithDescription("Storage transactions retried after a write conflict"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		driftTotal, err = meter.Int64Counter(
			"ledger_drift_detected_total",
			metric.WithDescription("Bookings found with total_paid or status drift"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSettlement(ctx context.Context, source datatypes.PaymentSource, amount decimal.Decimal) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", string(source)))
	settlementsTotal.Add(ctx, 1, attrs)
	f, _ := amount.Float64()
	settledAmount.Add(ctx, f, attrs)
}

func recordDuplicate(ctx context.Context, op string) {
	if err := initMetrics(); err != nil {
		return
	}
	duplicatesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordConflict is the storage layer conflict hook (badger.Config.OnConflict).
func RecordConflict() {
	if err := initMetrics(); err != nil {
		return
	}
	conflictsTotal.Add(context.Background(), 1)
}

func recordDrift(ctx context.Context, repaired bool) {
	if err := initMetrics(); err != nil {
		return
	}
	driftTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("repaired", repaired)))
}
