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
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow is how long the watcher waits for more changes to the file
// before reloading it.
const DebounceWindow = 100 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file itself, so editors
// that replace the file by rename are picked up. Events for the file are
// debounced: a burst of writes inside DebounceWindow causes one reload. A
// reload that fails to parse is logged and the previous configuration stays
// in effect.
//
// # Thread Safety
//
// Current and Close are safe for concurrent use. onChange runs on the
// watcher goroutine, one call at a time.
type Watcher struct {
	path     string
	lookup   LookupFunc
	onChange func(old, updated Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current Config

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Watch starts watching path. initial is the configuration already in use.
//
// # Examples
//
//	w, err := config.Watch(path, nil, cfg, func(old, updated config.Config) {
//	    client.UpdateCredentials(updated.Daraja.Credentials())
//	    client.SetCallbackURL(updated.CallbackURL())
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
func Watch(path string, lookup LookupFunc, initial Config, onChange func(old, updated Config), logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watch needs a file path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		lookup:   lookup,
		onChange: onChange,
		watcher:  fw,
		logger:   logger,
		debounce: DebounceWindow,
		current:  initial,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

// watchLoop collects relevant events and reloads once the debounce window
// passes without another one. A reload pending at Close is dropped.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	updated, err := Load(w.path, w.lookup)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous configuration",
			"path", w.path,
			"error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	w.logger.Info("Config reloaded",
		"path", w.path,
		"credentials_changed", old.Daraja.Credentials() != updated.Daraja.Credentials(),
		"callback_url_changed", old.CallbackURL() != updated.CallbackURL())
	if w.onChange != nil {
		w.onChange(old, updated)
	}
}
