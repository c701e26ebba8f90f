// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/config"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/handlers"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/middleware"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
)

// Dependencies are the components the routes are bound to.
//
// # Fields
//
//   - MetricsHandler: served at /metrics. Defaults to promhttp.Handler().
//   - AdminToken: bearer token for /v1/admin. Empty disables the admin API.
//   - CallbackToken: shared token expected on the callback URL. Empty
//     disables the check.
type Dependencies struct {
	Store          ledger.Store
	Initiator      handlers.PaymentInitiator
	Callbacks      handlers.CallbackProcessor
	Reconciler     handlers.Reconciler
	Feed           handlers.Subscriber
	Metrics        *observability.PaymentMetrics
	MetricsHandler http.Handler
	AdminToken     string
	CallbackToken  string
}

// SetupRoutes registers the payments API on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	// The callback path is part of the URL handed to the gateway, so it is
	// shared with config.
	router.POST(config.CallbackPath,
		middleware.CallbackToken(deps.CallbackToken),
		handlers.MpesaCallback(deps.Callbacks))

	v1 := router.Group("/v1")
	{
		bookings := v1.Group("/bookings")
		{
			bookings.POST("", handlers.CreateBooking(deps.Store))
			bookings.GET("/:id", handlers.GetBooking(deps.Store))
			bookings.POST("/:id/cancel", handlers.CancelBooking(deps.Store))
			bookings.GET("/:id/payments", handlers.ListBookingPayments(deps.Store))
			bookings.GET("/:id/events", handlers.BookingEvents(deps.Store, deps.Feed, deps.Metrics))
		}

		mpesa := v1.Group("/payments/mpesa")
		{
			mpesa.POST("/initiate", handlers.InitiatePayment(deps.Initiator))
		}

		admin := v1.Group("/admin", middleware.AdminAuth(deps.AdminToken))
		{
			admin.GET("/bookings", handlers.ListBookings(deps.Store))
			admin.POST("/bookings/:id/approve", handlers.ApproveBooking(deps.Store))
			admin.GET("/bookings/:id/attempts", handlers.ListAttempts(deps.Store))
			admin.GET("/bookings/:id/ledger", handlers.VerifyLedger(deps.Store))
			admin.POST("/bookings/:id/ledger/repair", handlers.RepairLedger(deps.Store))
			admin.GET("/callbacks/unmatched", handlers.ListUnmatched(deps.Store))
			admin.POST("/reconcile", handlers.RunReconcile(deps.Reconciler))
		}
	}
}
