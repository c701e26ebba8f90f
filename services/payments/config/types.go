// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the payments service configuration from an optional
// YAML file and the environment, and watches the file for credential changes.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/daraja"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/telemetry"
)

// CallbackPath is the route the gateway posts results to.
const CallbackPath = "/v1/payments/mpesa/callback"

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Daraja    DarajaConfig     `yaml:"daraja"`
	Storage   StorageConfig    `yaml:"storage"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	AdminToken      string        `yaml:"admin_token,omitempty"`
	CallbackToken   string        `yaml:"callback_token,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DarajaConfig holds the gateway settings. The four secrets may be left empty
// in the file and supplied through the environment.
type DarajaConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ConsumerKey       string        `yaml:"consumer_key,omitempty"`
	ConsumerSecret    string        `yaml:"consumer_secret,omitempty"`
	BusinessShortCode string        `yaml:"business_shortcode,omitempty"`
	Passkey           string        `yaml:"passkey,omitempty"`
	CallbackBaseURL   string        `yaml:"callback_base_url"`
	TransactionType   string        `yaml:"transaction_type"`
	AccountPrefix     string        `yaml:"account_prefix"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type StorageConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type ReconcileConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	ExpireAfter time.Duration `yaml:"expire_after"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// Credentials returns the gateway secrets for the Daraja client.
func (d DarajaConfig) Credentials() daraja.Credentials {
	return daraja.Credentials{
		ConsumerKey:    d.ConsumerKey,
		ConsumerSecret: d.ConsumerSecret,
		ShortCode:      d.BusinessShortCode,
		Passkey:        d.Passkey,
	}
}

// CallbackURL is the externally reachable callback address, carrying the
// shared callback token when one is set. Empty when no base URL is configured.
func (c Config) CallbackURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.Daraja.CallbackBaseURL), "/")
	if base == "" {
		return ""
	}
	u := base + CallbackPath
	if c.Server.CallbackToken != "" {
		u += "?token=" + url.QueryEscape(c.Server.CallbackToken)
	}
	return u
}

// DefaultConfig returns the defaults. Secrets are empty.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12300,
			ShutdownTimeout: 10 * time.Second,
		},
		Daraja: DarajaConfig{
			BaseURL:           daraja.SandboxBaseURL,
			TransactionType:   "CustomerPayBillOnline",
			AccountPrefix:     "Ziarazetu",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Storage: StorageConfig{
			Path:       "./data/payments",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			Interval:    time.Minute,
			StaleAfter:  2 * time.Minute,
			ExpireAfter: 30 * time.Minute,
			BatchSize:   100,
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
