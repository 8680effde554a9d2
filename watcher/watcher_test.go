package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flagwatch/logger"
)

func init() {
	logger.Init("error")
}

// expectPath reads from out until want arrives. Any other published path
// fails the test unless it is in allowed.
func expectPath(t *testing.T, out <-chan string, want string, allowed ...string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-out:
			if got == want {
				return
			}
			ok := false
			for _, a := range allowed {
				if got == a {
					ok = true
				}
			}
			if !ok {
				t.Fatalf("unexpected path %s while waiting for %s", got, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func startWatcher(t *testing.T, opts Options) (*Watcher, chan string, func() error) {
	t.Helper()
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	out := make(chan string)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, out) }()
	stop := func() error {
		cancel()
		select {
		case err := <-errc:
			w.Close()
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
			return nil
		}
	}
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w, out, stop
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing directory")
	}
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty directory option")
	}
}

func TestNewRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(Options{Dir: path}); err == nil {
		t.Fatal("expected error for non-directory")
	}
}

func TestNativeWatcherPublishesNewSnapshots(t *testing.T) {
	dir := t.TempDir()
	_, out, stop := startWatcher(t, Options{Dir: dir})

	// Give the watch a moment; inotify is installed in New so this is only
	// for the polling fallback on other platforms.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap := filepath.Join(dir, "slot_1.json")
	if err := os.WriteFile(snap, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectPath(t, out, snap)

	tmp := filepath.Join(dir, ".slot_2.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"b":2}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	renamed := filepath.Join(dir, "slot_2.json")
	if err := os.Rename(tmp, renamed); err != nil {
		t.Fatalf("rename: %v", err)
	}
	expectPath(t, out, renamed, snap)

	if err := stop(); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestNativeWatcherPublishesRewrites(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "slot_1.json")
	if err := os.WriteFile(snap, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, out, stop := startWatcher(t, Options{Dir: dir, PollInterval: 20 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	f, err := os.OpenFile(snap, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectPath(t, out, snap)

	if err := stop(); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestPollingWatcher(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "before.json")
	if err := os.WriteFile(existing, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, out, stop := startWatcher(t, Options{Dir: dir, ForcePolling: true, PollInterval: 20 * time.Millisecond})
	time.Sleep(60 * time.Millisecond)

	snap := filepath.Join(dir, "after.json")
	if err := os.WriteFile(snap, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectPath(t, out, snap)

	if err := os.WriteFile(snap, []byte(`{"changed": true}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	expectPath(t, out, snap)

	if err := stop(); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestExistingListsMatchingFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "c.txt", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := New(Options{Dir: dir, ForcePolling: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	paths, err := w.Existing()
	if err != nil {
		t.Fatalf("existing: %v", err)
	}
	if len(paths) != 2 || paths[0] != filepath.Join(w.Dir(), "a.json") || paths[1] != filepath.Join(w.Dir(), "b.json") {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	for _, polling := range []bool{false, true} {
		w, err := New(Options{Dir: t.TempDir(), ForcePolling: polling})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		w.Close()
		w.Close()
		err = w.Run(context.Background(), make(chan string))
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("polling=%v: expected ErrClosed, got %v", polling, err)
		}
	}
}
