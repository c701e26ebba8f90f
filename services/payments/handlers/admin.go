// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/middleware"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/reconcile"
)

// Reconciler runs one reconciliation cycle on demand.
type Reconciler interface {
	RunNow(ctx context.Context) (reconcile.CycleResult, error)
}

// ListBookings handles GET /v1/admin/bookings?limit=N, newest first.
func ListBookings(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookings, err := store.ListBookings(c.Request.Context(), listLimit(c))
		if err != nil {
			writeError(c, "ListBookings", err)
			return
		}
		views := make([]datatypes.BookingView, 0, len(bookings))
		for _, b := range bookings {
			views = append(views, datatypes.NewBookingView(b))
		}
		c.JSON(http.StatusOK, gin.H{"bookings": views, "count": len(views)})
	}
}

// ApproveBooking handles POST /v1/admin/bookings/:id/approve.
//
// # Description
//
// Records the outstanding balance as a manual payment by the authenticated
// actor. The body is optional; when present it may carry the offline
// payment reference, which must not have been used before.
//
// # Outputs
//
//   - 200 {"booking": view, "payment": payment}
//   - 409 when the booking is already fully paid or the reference was used.
//   - 400 when the booking is cancelled.
func ApproveBooking(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		var req datatypes.ApproveRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body: " + err.Error()})
				return
			}
		}
		if err := req.Validate(); err != nil {
			writeError(c, "ApproveBooking", err)
			return
		}

		actor := middleware.GetActor(c)
		res, err := store.ApproveManually(c.Request.Context(), id, req.Reference, actor)
		if err != nil {
			writeError(c, "ApproveBooking", err)
			return
		}
		slog.Info("Admin approved booking", "booking_id", id, "actor", actor)
		c.JSON(http.StatusOK, gin.H{
			"booking": datatypes.NewBookingView(res.Booking),
			"payment": res.Payment,
		})
	}
}

// ListAttempts handles GET /v1/admin/bookings/:id/attempts.
func ListAttempts(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		if _, err := store.GetBooking(c.Request.Context(), id); err != nil {
			writeError(c, "ListAttempts", err)
			return
		}
		attempts, err := store.ListAttempts(c.Request.Context(), id)
		if err != nil {
			writeError(c, "ListAttempts", err)
			return
		}
		if attempts == nil {
			attempts = []datatypes.PaymentAttempt{}
		}
		c.JSON(http.StatusOK, gin.H{"booking_id": id, "attempts": attempts, "count": len(attempts)})
	}
}

// VerifyLedger handles GET /v1/admin/bookings/:id/ledger.
func VerifyLedger(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		report, err := store.Verify(c.Request.Context(), id)
		if err != nil {
			writeError(c, "VerifyLedger", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// RepairLedger handles POST /v1/admin/bookings/:id/ledger/repair.
func RepairLedger(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		report, err := store.Repair(c.Request.Context(), id)
		if err != nil {
			writeError(c, "RepairLedger", err)
			return
		}
		if report.Repaired {
			slog.Warn("Ledger repaired by admin",
				"booking_id", id,
				"actor", middleware.GetActor(c),
				"total_drift", report.TotalDrift.String())
		}
		c.JSON(http.StatusOK, report)
	}
}

// ListUnmatched handles GET /v1/admin/callbacks/unmatched?limit=N.
func ListUnmatched(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		letters, err := store.ListUnmatched(c.Request.Context(), listLimit(c))
		if err != nil {
			writeError(c, "ListUnmatched", err)
			return
		}
		if letters == nil {
			letters = []datatypes.UnmatchedCallback{}
		}
		c.JSON(http.StatusOK, gin.H{"callbacks": letters, "count": len(letters)})
	}
}

// RunReconcile handles POST /v1/admin/reconcile by running one cycle now.
func RunReconcile(r Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := r.RunNow(c.Request.Context())
		if err != nil {
			writeError(c, "RunReconcile", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res, "duration_ms": res.DurationMs()})
	}
}
