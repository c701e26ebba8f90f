// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers of the payments service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, datatypes.ErrGatewayAuth), errors.Is(err, datatypes.ErrGatewayRequest):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with {"error": ...}. Internal failures are logged and
// reported without their detail.
func writeError(c *gin.Context, op string, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Error in "+op, "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(code, datatypes.ErrorResponse{Error: msg})
}

// bookingID reads the :id path parameter and rejects anything that is not a
// UUID. It writes the 400 itself and reports false.
func bookingID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !strfmt.IsUUID(id) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "booking id must be a UUID"})
		return "", false
	}
	return id, true
}

// listLimit reads ?limit=, falling back to the default when absent or invalid.
func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
