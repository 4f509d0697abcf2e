// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when its file or profile file changes
// and hands the new Config to listeners. A reload that fails to parse or
// validate is logged and the previous Config stays current.
type Watcher struct {
	mu        sync.RWMutex
	path      string
	profile   string
	files     map[string]bool
	config    *Config
	listeners []func(*Config)

	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last file event
// before reloading. Editors often write a file in several steps.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads path (with profile, when set) and prepares to watch it.
// Directories are watched rather than files so that replace-by-rename
// saves and a profile file created later are both seen.
func NewWatcher(path, profile string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		profile:  profile,
		files:    make(map[string]bool),
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := LoadWithProfile(path, profile)
	if err != nil {
		return nil, err
	}
	w.config = cfg

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw

	if path != "" {
		w.files[filepath.Clean(path)] = true
		if profile != "" {
			ext := filepath.Ext(path)
			w.files[filepath.Clean(strings.TrimSuffix(path, ext)+"."+profile+ext)] = true
		}
		dirs := map[string]bool{}
		for f := range w.files {
			dirs[filepath.Dir(f)] = true
		}
		for dir := range dirs {
			if err := fsw.Add(dir); err != nil {
				_ = fsw.Close()
				return nil, err
			}
		}
	}
	return w, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start watches until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop ends watching and waits for the loop to exit. It must follow Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Reload reads the files now and notifies listeners on success.
func (w *Watcher) Reload() error {
	cfg, err := LoadWithProfile(w.path, w.profile)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.config = cfg
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("config.reload.failed", slog.String("path", w.path), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("config.reloaded", slog.String("path", w.path))
		}
	}
}

// WatchConfig creates a watcher for path and profile and starts it.
func WatchConfig(ctx context.Context, path, profile string, opts ...WatcherOption) (*Watcher, *Config, error) {
	w, err := NewWatcher(path, profile, opts...)
	if err != nil {
		return nil, nil, err
	}
	w.Start(ctx)
	return w, w.Config(), nil
}
