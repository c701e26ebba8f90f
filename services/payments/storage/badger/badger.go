// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that backs the
// payments ledger.
//
// Badger transactions are optimistic (serializable snapshot isolation). Two
// transactions that read and write the same booking key cannot both commit;
// the loser gets badger.ErrConflict. Update retries such losers from a fresh
// snapshot, which is what serialises concurrent ledger writes per booking.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrRetriesExhausted is returned by Update when every attempt conflicted.
var ErrRetriesExhausted = errors.New("transaction conflict retries exhausted")

// Config holds configuration for the ledger database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Tests only.
	InMemory bool

	// SyncWrites fsyncs every commit. A settled payment must survive a crash,
	// so production keeps this on.
	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64

	// MaxConflictRetries bounds how many times Update re-runs a conflicting
	// transaction before giving up.
	MaxConflictRetries int

	// OnConflict, when set, is called each time a commit conflicts.
	OnConflict func()
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		SyncWrites:         true,
		GCInterval:         5 * time.Minute,
		GCDiscardRatio:     0.5,
		MaxConflictRetries: 16,
	}
}

// InMemoryConfig returns settings for tests: no disk, no fsync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:           true,
		MaxConflictRetries: 64,
	}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// DB is an open ledger database with its GC runner and retry policy.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	*badger.DB
	gc         *GCRunner
	path       string
	inMemory   bool
	maxRetries int
	onConflict func()
}

// Open opens the database described by cfg and starts value log GC when
// configured.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is set.
//
// # Outputs
//
//   - *DB: Caller must Close it.
//   - error: Non-nil if the directory cannot be created or Badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = DefaultConfig().MaxConflictRetries
	}
	db := &DB{
		DB:         raw,
		path:       cfg.Path,
		inMemory:   cfg.InMemory,
		maxRetries: retries,
		onConflict: cfg.OnConflict,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.gc = NewGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		db.gc.Start()
	}
	return db, nil
}

// OpenInMemory opens a throwaway database for tests.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.Stop()
	}
	return d.DB.Close()
}

// Path returns the database directory, empty for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool { return d.inMemory }

// =============================================================================
// Transactions
// =============================================================================

// Update runs fn in a read-write transaction and commits it.
//
// # Description
//
// If the commit fails with badger.ErrConflict, fn is run again against a new
// snapshot, up to MaxConflictRetries times with a short jittered pause
// between attempts. fn must therefore be free of side effects outside the
// transaction (or tolerate re-execution). Any error returned by fn aborts the
// transaction and is returned unchanged.
//
// # Outputs
//
//   - error: fn's error, a commit error, ctx.Err(), or ErrRetriesExhausted.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		err := d.updateOnce(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if d.onConflict != nil {
			d.onConflict()
		}
		backoff := time.Duration(attempt+1) * 200 * time.Microsecond
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return ErrRetriesExhausted
}

func (d *DB) updateOnce(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// =============================================================================
// JSON Helpers
// =============================================================================

// GetJSON decodes the value at key into v. It returns badger.ErrKeyNotFound
// unchanged so callers can map it to their own not-found error.
func GetJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// SetJSON encodes v and stores it at key.
func SetJSON(txn *badger.Txn, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), buf)
}

// Exists reports whether key is present.
func Exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ScanPrefix calls fn with the raw value of every key under prefix, newest
// first when reverse is set. Iteration stops after limit items (0 means no
// limit) or when fn returns an error.
func ScanPrefix(txn *badger.Txn, prefix string, reverse bool, limit int, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append([]byte(prefix), 0xFF)
	}

	n := 0
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return nil
}

// =============================================================================
// Garbage Collection
// =============================================================================

// GCRunner periodically rewrites the value log.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewGCRunner creates a runner. Call Start to begin.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *GCRunner {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the GC loop.
func (r *GCRunner) Start() {
	go r.loop()
}

// Stop ends the GC loop and waits for it. Safe to call more than once.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *GCRunner) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
