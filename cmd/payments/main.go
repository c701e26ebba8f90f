// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command payments starts the booking payments HTTP server.
//
// # Environment Variables
//
//   - PAYMENTS_CONFIG: optional YAML config file (watched for changes)
//   - DARAJA_CONSUMER_KEY, DARAJA_CONSUMER_SECRET, DARAJA_BUSINESS_SHORTCODE,
//     DARAJA_PASSKEY: gateway secrets
//   - PAYMENTS_CALLBACK_BASE_URL: public base URL the gateway calls back on
//   - PAYMENTS_PORT: HTTP port (default: 12300)
//   - PAYMENTS_DB_PATH: ledger directory (default: ./data/payments)
//   - PAYMENTS_ADMIN_TOKEN, PAYMENTS_CALLBACK_TOKEN: shared secrets
//   - OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
//
// # Usage
//
//	go build -o payments ./cmd/payments
//	PAYMENTS_CONFIG=/etc/ziarapay/payments.yaml ./payments
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZiaraZetu/ZiaraPay/pkg/logging"
	"github.com/ZiaraZetu/ZiaraPay/services/payments"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	path := os.Getenv("PAYMENTS_CONFIG")
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "payments",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting payments service",
		"port", cfg.Server.Port,
		"db_path", cfg.Storage.Path,
		"gateway", cfg.Daraja.BaseURL,
		"reconcile", cfg.Reconcile.Enabled)

	svc, err := payments.New(cfg, &payments.Options{
		ConfigPath: path,
		Lookup:     os.LookupEnv,
		Logger:     logger.Slog(),
	})
	if err != nil {
		slog.Error("Failed to create payments service", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Payments service error", "error", err)
		return 1
	}
	return 0
}
