// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads one environment variable. os.LookupEnv in production.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (skipped when
// path is empty), then the environment, then fills any zero values left by
// the file with defaults.
//
// # Inputs
//
//   - path: optional YAML file. A missing file is an error when a path is given.
//   - lookup: environment reader. nil means os.LookupEnv.
//
// # Outputs
//
//   - Config: the effective configuration.
//   - error: unreadable or invalid file, or an unparsable environment value.
func Load(path string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Set but empty values are ignored.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DARAJA_CONSUMER_KEY", &cfg.Daraja.ConsumerKey)
	str("DARAJA_CONSUMER_SECRET", &cfg.Daraja.ConsumerSecret)
	str("DARAJA_BUSINESS_SHORTCODE", &cfg.Daraja.BusinessShortCode)
	str("DARAJA_PASSKEY", &cfg.Daraja.Passkey)
	str("DARAJA_BASE_URL", &cfg.Daraja.BaseURL)
	str("PAYMENTS_CALLBACK_BASE_URL", &cfg.Daraja.CallbackBaseURL)
	str("PAYMENTS_DB_PATH", &cfg.Storage.Path)
	str("PAYMENTS_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("PAYMENTS_CALLBACK_TOKEN", &cfg.Server.CallbackToken)
	str("PAYMENTS_LOG_LEVEL", &cfg.Logging.Level)
	str("PAYMENTS_LOG_DIR", &cfg.Logging.Dir)
	str("OTEL_TRACES_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("OTEL_METRICS_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if v, ok := lookup("PAYMENTS_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PAYMENTS_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// applyDefaults fills zero values a partial YAML file left behind.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Daraja.BaseURL == "" {
		cfg.Daraja.BaseURL = d.Daraja.BaseURL
	}
	if cfg.Daraja.TransactionType == "" {
		cfg.Daraja.TransactionType = d.Daraja.TransactionType
	}
	if cfg.Daraja.AccountPrefix == "" {
		cfg.Daraja.AccountPrefix = d.Daraja.AccountPrefix
	}
	if cfg.Daraja.Timeout <= 0 {
		cfg.Daraja.Timeout = d.Daraja.Timeout
	}
	if cfg.Daraja.RequestsPerSecond <= 0 {
		cfg.Daraja.RequestsPerSecond = d.Daraja.RequestsPerSecond
	}
	if cfg.Daraja.Burst <= 0 {
		cfg.Daraja.Burst = d.Daraja.Burst
	}
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		cfg.Storage.Path = d.Storage.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Reconcile.Enabled && cfg.Reconcile.ExpireAfter > 0 && cfg.Reconcile.ExpireAfter < cfg.Reconcile.StaleAfter {
		return fmt.Errorf("reconcile.expire_after (%s) must not be shorter than reconcile.stale_after (%s)",
			cfg.Reconcile.ExpireAfter, cfg.Reconcile.StaleAfter)
	}
	return nil
}
