// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDetectsChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, "scheduler:\n  concurrency:\n    logistics: 1\n")

	watcher, err := NewWatcher(configPath, "", WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	if got := watcher.Config().Scheduler.Concurrency["logistics"]; got != 1 {
		t.Errorf("expected initial cap 1, got %d", got)
	}

	writeFile(t, configPath, "scheduler:\n  concurrency:\n    logistics: 4\n")

	select {
	case cfg := <-changes:
		if got := cfg.Scheduler.Concurrency["logistics"]; got != 4 {
			t.Errorf("expected cap 4, got %d", got)
		}
		if watcher.Config() != cfg {
			t.Error("Config() should return the reloaded config")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config change notification")
	}
}

func TestWatcherDebouncesBurst(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, "log:\n  level: info\n")

	watcher, err := NewWatcher(configPath, "", WithDebounce(100*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	var calls atomic.Int32
	var last atomic.Value
	watcher.OnChange(func(cfg *Config) {
		calls.Add(1)
		last.Store(cfg.Log.Level)
	})

	watcher.Start(context.Background())
	defer watcher.Stop()

	for _, level := range []string{"debug", "warn", "error"} {
		writeFile(t, configPath, "log:\n  level: "+level+"\n")
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single reload for the burst, got %d", got)
	}
	if got := last.Load(); got != "error" {
		t.Errorf("expected final level error, got %v", got)
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, "memory:\n  provider: sqlite\n")

	watcher, err := NewWatcher(configPath, "")
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	called := false
	watcher.OnChange(func(*Config) { called = true })

	writeFile(t, configPath, "memory:\n  provider: etcd\n")
	if err := watcher.Reload(); err == nil {
		t.Fatal("expected reload to fail validation")
	}
	if watcher.Config().Memory.Provider != "sqlite" {
		t.Errorf("previous config should stay current")
	}
	if called {
		t.Error("listeners must not run on a failed reload")
	}
}

func TestWatcherSeesNewProfileFile(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, basePath, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher, cfg, err := WatchConfig(ctx, basePath, "dev", WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()
	if cfg.Log.Level != "info" {
		t.Fatalf("expected base level, got %s", cfg.Log.Level)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	})

	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.Log.Level != "debug" {
			t.Errorf("expected profile level debug, got %s", cfg.Log.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for profile reload")
	}
}

func TestWatcherStops(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, "log: {}\n")

	watcher, err := NewWatcher(configPath, "")
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}
