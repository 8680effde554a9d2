package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"flagwatch/config"
	"flagwatch/logger"
	"flagwatch/output"
	"flagwatch/store"
	"flagwatch/watcher"
)

func init() {
	logger.Init("error")
}

const cpuSnapshot = `{
  "metadata": {"session_id": %[1]q, "timestamp": "2026-01-02T03:04:05Z", "data_types_available": {}, "saved_at": "2026-01-02T03:04:06Z"},
  "data": {
    "session_id": %[1]q,
    "timestamp": "2026-01-02T03:04:05Z",
    "system_metrics": {"timestamp": "2026-01-02T03:04:05Z", "cpu_usage": 97, "memory_usage": 50, "disk_usage": 40},
    "process_data": {"timestamp": "2026-01-02T03:04:05Z", "active_process": "code", "active_window_title": "x", "process_count": 10},
    "input_metrics": {"timestamp": "2026-01-02T03:04:05Z", "mouse_clicks": 4, "keyboard_events": 9, "idle_duration_seconds": 30},
    "network_metrics": {"timestamp": "2026-01-02T03:04:05Z", "bytes_sent": 1, "bytes_received": 2, "active_connections": 3},
    "focus_metrics": {"timestamp": "2026-01-02T03:04:05Z", "focus_level": 0.9, "context_switches": 1, "productive_app_time": 60}
  }
}`

func writeCPUSnapshot(t *testing.T, dir, name, session string) {
	t.Helper()
	body := fmt.Sprintf(cpuSnapshot, session)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func waitForFlags(t *testing.T, fs *store.FlagStore, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if flags, err := fs.LoadAll(); err == nil && len(flags) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flag(s)", want)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WatchDir = filepath.Join(t.TempDir(), "timeslots")
	cfg.FlagsDir = filepath.Join(t.TempDir(), "flags")
	cfg.Concurrency = 2
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ForcePolling = true
	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return cfg
}

func TestHandleSignalEventCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cancel, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestRunPipelineBackfillsAndWatches(t *testing.T) {
	t.Setenv("FLAGWATCH_DISABLE_PROGRESS", "1")
	cfg := testConfig(t)
	cfg.Backfill = true
	writeCPUSnapshot(t, cfg.WatchDir, "before.json", "sess-1")

	fs := store.New(cfg.FlagsDir)
	if err := fs.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	w, err := watcher.New(watcher.Options{
		Dir:          cfg.WatchDir,
		PollInterval: cfg.PollInterval,
		ForcePolling: cfg.ForcePolling,
	})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runPipeline(ctx, cfg, w, fs) }()

	waitForFlags(t, fs, 1)
	writeCPUSnapshot(t, cfg.WatchDir, "after.json", "sess-2")
	waitForFlags(t, fs, 2)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runPipeline returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runPipeline did not return after cancel")
	}

	for _, session := range []string{"sess-1", "sess-2"} {
		flags, err := fs.BySession(session)
		if err != nil {
			t.Fatalf("by session: %v", err)
		}
		if len(flags) != 1 || flags[0].DataSource != "system_metrics" {
			t.Fatalf("unexpected flags for %s: %+v", session, flags)
		}
	}
}

func TestExportSession(t *testing.T) {
	cfg := testConfig(t)
	fs := store.New(cfg.FlagsDir)
	if err := fs.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	cfg.ExportSession = "sess-empty"
	cfg.ExportFile = filepath.Join(t.TempDir(), "sess-empty.ndjson.zst")

	if err := exportSession(cfg); err != nil {
		t.Fatalf("export: %v", err)
	}
	header, flags, err := output.ReadBundleFile(cfg.ExportFile)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if header.Summary.SessionID != "sess-empty" || len(flags) != 0 {
		t.Fatalf("unexpected bundle %+v %d", header.Summary, len(flags))
	}
}
