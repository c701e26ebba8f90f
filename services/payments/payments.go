// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package payments wires the booking payments service together.
//
// The service owns one ledger database, one Daraja gateway client and the
// components built on them:
//
//	HTTP (gin + otelgin)
//	   │
//	   ├─► initiator  ──► daraja.Client (STK push)
//	   │        │
//	   │        └────────► ledger.Store (PaymentAttempt)
//	   │
//	   ├─► callback   ──► ledger.Store (Settle / Fail / dead letter)
//	   │
//	   └─► feed.Broker ◄── ledger.Store (committed booking changes)
//
//	reconcile.Scheduler ──► daraja.Client (STK query) ──► ledger.Store
//
// # Usage
//
//	cfg, err := config.Load(path, os.LookupEnv)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := payments.New(cfg, &payments.Options{ConfigPath: path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/callback"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/config"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/daraja"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/feed"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/initiator"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/reconcile"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/routes"
	storage "github.com/ZiaraZetu/ZiaraPay/services/payments/storage/badger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/telemetry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the payments service lifecycle.
//
// # Thread Safety
//
// Run must be called at most once. Router and Store are safe to call at any
// time after New.
type Service interface {
	// Run serves HTTP, runs the reconciliation loop and watches the config
	// file until ctx is cancelled, then shuts down gracefully and releases
	// every resource.
	Run(ctx context.Context) error

	// Router returns the configured gin engine. Tests drive it directly.
	Router() *gin.Engine

	// Store returns the ledger.
	Store() ledger.Store

	// Reconciler returns the reconciliation scheduler.
	Reconciler() *reconcile.Scheduler

	// Close releases resources without running. Safe to call after Run.
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// Options carries dependencies that do not belong in the config file.
//
// # Fields
//
//   - ConfigPath: when set, the file is watched and credential changes are
//     applied to the gateway client without a restart.
//   - Lookup: environment lookup used when reloading. Default: none, so a
//     reload only sees the file.
//   - Registry: Prometheus registry for the service metrics. Default: the
//     global registry.
//   - HTTPClient: transport for gateway calls. Tests point it at a fake.
//   - Logger: Default: slog.Default().
type Options struct {
	ConfigPath string
	Lookup     config.LookupFunc
	Registry   *prometheus.Registry
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config  config.Config
	opts    Options
	logger  *slog.Logger
	metrics *observability.PaymentMetrics

	db        *storage.DB
	store     *ledger.BadgerStore
	broker    *feed.Broker
	gateway   *daraja.Client
	initiator *initiator.Initiator
	callbacks *callback.Handler
	scheduler *reconcile.Scheduler
	router    *gin.Engine

	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *observability.PaymentMetrics
)

// New builds every component from cfg.
//
// # Description
//
//  1. Initializes OpenTelemetry (tracer and meter providers).
//  2. Registers Prometheus metrics.
//  3. Opens the ledger database with conflict counting and value log GC.
//  4. Creates the feed broker, the gateway client and the components.
//  5. Sets up the HTTP router.
//
// # Inputs
//
//   - cfg: a validated config, usually from config.Load.
//   - opts: may be nil.
//
// # Outputs
//
//   - Service: ready to Run.
//   - error: telemetry or storage initialization failed. Nothing is left
//     open on error.
func New(cfg config.Config, opts *Options) (Service, error) {
	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	if s.opts.Registry != nil {
		s.metrics = observability.NewPaymentMetrics(s.opts.Registry)
	} else {
		defaultMetricsOnce.Do(func() { defaultMetrics = observability.InitMetrics() })
		s.metrics = defaultMetrics
	}

	s.broker = feed.NewBroker(feed.WithDropHook(s.metrics.RecordFeedDrop))

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.Storage.Path
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.SyncWrites = cfg.Storage.SyncWrites
	dbCfg.GCInterval = cfg.Storage.GCInterval
	dbCfg.Logger = s.logger.With("component", "badger")
	dbCfg.OnConflict = ledger.RecordConflict
	if dbCfg.InMemory {
		dbCfg.GCInterval = 0
	}
	s.db, err = storage.Open(dbCfg)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	s.store = ledger.NewBadgerStore(s.db,
		ledger.WithPublisher(s.broker),
		ledger.WithLogger(s.logger.With("component", "ledger")))

	s.gateway = daraja.NewClient(daraja.Config{
		BaseURL:           cfg.Daraja.BaseURL,
		CallbackURL:       cfg.CallbackURL(),
		TransactionType:   cfg.Daraja.TransactionType,
		AccountPrefix:     cfg.Daraja.AccountPrefix,
		Timeout:           cfg.Daraja.Timeout,
		RequestsPerSecond: cfg.Daraja.RequestsPerSecond,
		Burst:             cfg.Daraja.Burst,
		HTTPClient:        s.opts.HTTPClient,
		Metrics:           s.metrics,
	}, cfg.Daraja.Credentials())
	if err := s.gateway.Ready(); err != nil {
		// Not fatal: bookings and callbacks still work, initiation reports
		// the missing settings per request until the config is fixed.
		s.logger.Warn("Gateway not configured, STK push disabled", "error", err)
	}

	s.initiator = initiator.New(s.gateway, s.store,
		initiator.WithMetrics(s.metrics),
		initiator.WithLogger(s.logger.With("component", "initiator")))
	s.callbacks = callback.New(s.store,
		callback.WithMetrics(s.metrics),
		callback.WithLogger(s.logger.With("component", "callback")))
	s.scheduler = reconcile.NewScheduler(s.store, s.gateway, reconcile.Config{
		Interval:    cfg.Reconcile.Interval,
		StaleAfter:  cfg.Reconcile.StaleAfter,
		ExpireAfter: cfg.Reconcile.ExpireAfter,
		BatchSize:   cfg.Reconcile.BatchSize,
		Concurrency: cfg.Reconcile.Concurrency,
	}, reconcile.WithMetrics(s.metrics),
		reconcile.WithLogger(s.logger.With("component", "reconcile")))

	s.initRouter()
	return s, nil
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Store:          s.store,
		Initiator:      s.initiator,
		Callbacks:      s.callbacks,
		Reconciler:     s.scheduler,
		Feed:           s.broker,
		Metrics:        s.metrics,
		MetricsHandler: s.metricsHandler(),
		AdminToken:     s.config.Server.AdminToken,
		CallbackToken:  s.config.Server.CallbackToken,
	})
}

// metricsHandler serves the service registry when one was injected,
// otherwise the global registry, which also carries the otel exporter.
func (s *service) metricsHandler() http.Handler {
	if s.opts.Registry != nil {
		return promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})
	}
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if s.config.Reconcile.Enabled {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reconciliation: %w", err)
		}
		defer func() {
			if err := s.scheduler.Stop(); err != nil {
				s.logger.Warn("Error stopping reconciliation", "error", err)
			}
		}()
	}

	if s.opts.ConfigPath != "" {
		w, err := config.Watch(s.opts.ConfigPath, s.opts.Lookup, s.config, s.applyConfig, s.logger)
		if err != nil {
			s.logger.Warn("Config file not watched", "path", s.opts.ConfigPath, "error", err)
		} else {
			defer w.Close()
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting payments server", "port", s.config.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("payments server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down payments server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// applyConfig is the config watcher callback. Only gateway settings are
// applied live; everything else needs a restart.
func (s *service) applyConfig(old, updated config.Config) {
	if old.Daraja.Credentials() != updated.Daraja.Credentials() {
		s.gateway.UpdateCredentials(updated.Daraja.Credentials())
	}
	if old.CallbackURL() != updated.CallbackURL() {
		s.gateway.SetCallbackURL(updated.CallbackURL())
		s.logger.Info("Gateway callback URL updated")
	}
	if !reflect.DeepEqual(old.Server, updated.Server) || !reflect.DeepEqual(old.Storage, updated.Storage) {
		s.logger.Warn("Server and storage settings changed; restart to apply")
	}
}

// Router implements Service.
func (s *service) Router() *gin.Engine { return s.router }

// Store implements Service.
func (s *service) Store() ledger.Store { return s.store }

// Reconciler implements Service.
func (s *service) Reconciler() *reconcile.Scheduler { return s.scheduler }

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ledger database: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
