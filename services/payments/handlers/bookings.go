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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
)

// CreateBooking handles POST /v1/bookings.
//
// # Description
//
// Creates a booking with total_paid 0. The amount is fixed from here on;
// payments only ever add to total_paid.
//
// # Outputs
//
//   - 201 with the booking view.
//   - 400 on a malformed body, 409 when the client-chosen id exists.
func CreateBooking(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateBookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			writeError(c, "CreateBooking", err)
			return
		}

		b, err := store.CreateBooking(c.Request.Context(), datatypes.Booking{
			ID:            req.ID,
			UserID:        req.UserID,
			ListingID:     req.ListingID,
			CheckInDate:   req.CheckInDate,
			CheckOutDate:  req.CheckOutDate,
			PaymentMethod: req.PaymentMethod,
			TravelerDetails: datatypes.TravelerDetails{
				FullName:        req.TravelerDetails.FullName,
				Email:           req.TravelerDetails.Email,
				Phone:           datatypes.NormalizeMSISDN(req.TravelerDetails.Phone),
				SpecialRequests: req.TravelerDetails.SpecialRequests,
			},
			Amount: req.Amount,
		})
		if err != nil {
			writeError(c, "CreateBooking", err)
			return
		}
		c.JSON(http.StatusCreated, datatypes.NewBookingView(b))
	}
}

// GetBooking handles GET /v1/bookings/:id, returning the booking with its
// remaining balance and percent paid.
func GetBooking(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		b, err := store.GetBooking(c.Request.Context(), id)
		if err != nil {
			writeError(c, "GetBooking", err)
			return
		}
		c.JSON(http.StatusOK, datatypes.NewBookingView(b))
	}
}

// CancelBooking handles POST /v1/bookings/:id/cancel. Cancelling twice is
// not an error. Payments already recorded are kept.
func CancelBooking(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		b, err := store.CancelBooking(c.Request.Context(), id)
		if err != nil {
			writeError(c, "CancelBooking", err)
			return
		}
		slog.Info("Booking cancelled by request", "booking_id", id)
		c.JSON(http.StatusOK, datatypes.NewBookingView(b))
	}
}

// ListBookingPayments handles GET /v1/bookings/:id/payments, newest first.
func ListBookingPayments(store ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bookingID(c)
		if !ok {
			return
		}
		if _, err := store.GetBooking(c.Request.Context(), id); err != nil {
			writeError(c, "ListBookingPayments", err)
			return
		}
		payments, err := store.ListPayments(c.Request.Context(), id)
		if err != nil {
			writeError(c, "ListBookingPayments", err)
			return
		}
		if payments == nil {
			payments = []datatypes.Payment{}
		}
		c.JSON(http.StatusOK, gin.H{"booking_id": id, "payments": payments, "count": len(payments)})
	}
}
