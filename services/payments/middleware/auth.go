// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the payments service.
//
// # Authentication Flow
//
// Admin routes carry a static bearer token. The payment gateway cannot send
// headers of our choosing, so the callback route is guarded by a shared token
// in the callback URL's query string instead.
//
//	Request
//	   │
//	   ├─► /v1/admin/*              AdminAuth: "Authorization: Bearer <token>"
//	   │                                 │
//	   │                                 └─► SetActor (X-Actor header or "admin")
//	   │
//	   └─► /v1/payments/mpesa/callback  CallbackToken: "?token=<token>"
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// actorKey is the gin context key for the authenticated admin's name.
const actorKey = "ziarapay_actor"

// ActorHeader names the operator performing an admin action. It is only read
// after the bearer token has been accepted.
const ActorHeader = "X-Actor"

// defaultActor is recorded when an authenticated admin request names nobody.
const defaultActor = "admin"

// =============================================================================
// Context Helpers
// =============================================================================

// SetActor stores the admin actor in the gin context.
func SetActor(c *gin.Context, actor string) {
	c.Set(actorKey, actor)
}

// GetActor returns the admin actor recorded by AdminAuth, or "" when the
// request was not authenticated.
//
// # Examples
//
//	res, err := store.ApproveManually(ctx, id, req.Reference, middleware.GetActor(c))
func GetActor(c *gin.Context) string {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(string); ok {
			return actor
		}
	}
	return ""
}

// =============================================================================
// Admin Auth
// =============================================================================

// AdminAuth creates a gin middleware that requires the admin bearer token.
//
// # Description
//
// Compares the bearer token in constant time. An empty configured token
// disables the admin API entirely: every request is rejected, so a missing
// PAYMENTS_ADMIN_TOKEN never leaves money-moving routes open.
//
// # Inputs
//
//   - token: the configured admin token.
//
// # Outputs
//
//   - gin.HandlerFunc: aborts with 401 {"error": ...} on failure.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AdminAuth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "admin API disabled"})
			return
		}
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			slog.Warn("Rejected admin request", "path", c.FullPath(), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
			return
		}

		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			actor = defaultActor
		}
		SetActor(c, actor)
		c.Next()
	}
}

// =============================================================================
// Callback Token
// =============================================================================

// CallbackToken creates a gin middleware that checks the shared callback
// token carried in the "token" query parameter.
//
// # Description
//
// An empty configured token lets every request through. A mismatch is
// answered with the gateway's failure acknowledgement so the gateway sees the
// same body shape it sees for any other rejected callback.
func CallbackToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}
		got := c.Query("token")
		if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			slog.Warn("Rejected callback with bad token", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.AckFailed)
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme. The scheme name is
// case-insensitive.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
