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
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/callback"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// maxCallbackBytes bounds how much of a callback body is read.
const maxCallbackBytes = 1 << 20

// PaymentInitiator starts an STK push for a booking.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req datatypes.InitiateRequest) (datatypes.InitiateResponse, error)
}

// CallbackProcessor applies one gateway callback body.
type CallbackProcessor interface {
	Handle(ctx context.Context, body []byte) (string, error)
}

// InitiatePayment handles POST /v1/payments/mpesa/initiate.
//
// # Description
//
// Every failure, whatever its kind, is answered with 400 and a single
// {"error": "..."} string. Success is 200 {"message": "..."}.
func InitiatePayment(initiator PaymentInitiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.InitiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		resp, err := initiator.Initiate(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// MpesaCallback handles POST /v1/payments/mpesa/callback.
//
// # Description
//
// Reads the raw body so dead letters keep the exact payload, hands it to the
// processor and answers with the gateway acknowledgement: 200 Accepted for
// processed or duplicate callbacks, 400 Failed otherwise.
func MpesaCallback(processor CallbackProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			slog.Warn("Failed to read callback body", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.AckFailed)
			return
		}
		outcome, err := processor.Handle(c.Request.Context(), body)
		status, ack := callback.Ack(err)
		slog.Debug("Callback acknowledged", "outcome", outcome, "status", status)
		c.JSON(status, ack)
	}
}
