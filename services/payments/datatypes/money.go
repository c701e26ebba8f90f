// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/shopspring/decimal"
)

func init() {
	// API consumers send and expect plain JSON numbers for amounts.
	decimal.MarshalJSONWithoutQuotes = true
}

// MaxAmount bounds every amount the API accepts. It keeps GatewayAmount far
// inside the int64 range. Keep it in sync with the lte tags in requests.go.
var MaxAmount = decimal.NewFromInt(1_000_000_000)

// WithinMaxAmount reports whether 0 < amount <= MaxAmount.
func WithinMaxAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.LessThanOrEqual(MaxAmount)
}

// GatewayAmount returns the integer amount the gateway will be asked for.
//
// # Description
//
// The gateway only accepts whole currency units, so fractional amounts are
// rounded up. Callers must bound amount by MaxAmount first. The payer may therefore be asked for up to 0.99 more than the
// ledger amount; RoundingDelta reports that difference.
//
// # Examples
//
//	GatewayAmount(decimal.RequireFromString("150.40")) // 151
//	GatewayAmount(decimal.NewFromInt(200))             // 200
func GatewayAmount(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}

// RoundingDelta returns how much more the payer is asked for than is owed.
func RoundingDelta(owed decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(GatewayAmount(owed)).Sub(owed)
}

// PercentPaid returns total/amount as a percentage clamped to [0, 100].
// A zero amount counts as fully paid.
func PercentPaid(total, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.NewFromInt(100)
	}
	pct := total.Div(amount).Mul(decimal.NewFromInt(100)).Round(2)
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}

// Remaining returns amount - total, never negative.
func Remaining(total, amount decimal.Decimal) decimal.Decimal {
	rem := amount.Sub(total)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
