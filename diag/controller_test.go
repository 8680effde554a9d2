package diag

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flagwatch/logger"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func fixedHost() HostSample {
	return HostSample{CPUPercent: 12.5, MemoryPercent: 40, MemoryUsedMB: 2048, Goroutines: 9}
}

func countArtifacts(t *testing.T, dir string) (stall, flight int) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "flagwatch-stall-") && strings.HasSuffix(name, ".json") {
			stall++
		}
		if strings.HasPrefix(name, "flagwatch-flight-") && strings.HasSuffix(name, ".out") {
			flight++
		}
	}
	return stall, flight
}

func TestRunProbeEmitsStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := Progress{Processed: 42, InFlight: 3, SaveFailures: 5}
	dir := t.TempDir()

	controller := NewController(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		ProgressFn:     func() Progress { return progress },
		StatsFn:        func() any { return map[string]int{"files_received": 45} },
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0600)
		},
		NowFn:        func() time.Time { return now },
		HostSampleFn: fixedHost,
	})
	controller.lastProcessed = progress.Processed
	controller.lastProgressAt = now

	controller.runProbe(now.Add(3 * time.Second))

	stall, flight := countArtifacts(t, dir)
	if stall != 1 || flight != 1 {
		t.Fatalf("expected one stall and one flight artifact, got %d and %d", stall, flight)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "flagwatch-stall-*.json"))
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event["in_flight"] != 3.0 || event["files_processed"] != 42.0 || event["save_failures"] != 5.0 {
		t.Fatalf("unexpected progress in event: %v", event)
	}
	host, ok := event["host"].(map[string]interface{})
	if !ok || host["cpu_percent"] != 12.5 {
		t.Fatalf("unexpected host sample: %v", event["host"])
	}
	if _, ok := event["pipeline"]; !ok {
		t.Fatal("expected pipeline stats in event")
	}
}

func TestRunProbeIgnoresIdlePipeline(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		StallThreshold: time.Second,
		Dir:            dir,
		ProgressFn:     func() Progress { return Progress{Processed: 7, InFlight: 0} },
		NowFn:          func() time.Time { return now },
		HostSampleFn:   fixedHost,
	})
	controller.lastProcessed = 7
	controller.lastProgressAt = now

	controller.runProbe(now.Add(10 * time.Second))

	if stall, _ := countArtifacts(t, dir); stall != 0 {
		t.Fatalf("idle pipeline must not be reported, got %d events", stall)
	}
}

func TestRunProbeResetsOnProgressAndRateLimitsDumps(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := Progress{Processed: 1, InFlight: 1}
	dir := t.TempDir()
	controller := NewController(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		ProgressFn:     func() Progress { return progress },
		NowFn:          func() time.Time { return now },
		HostSampleFn:   fixedHost,
	})
	controller.lastProcessed = 0
	controller.lastProgressAt = now

	// Progress moved: the stall clock restarts.
	controller.runProbe(now.Add(5 * time.Second))
	if stall, _ := countArtifacts(t, dir); stall != 0 {
		t.Fatalf("expected no event after progress, got %d", stall)
	}

	controller.runProbe(now.Add(7 * time.Second))
	controller.runProbe(now.Add(8 * time.Second))
	if stall, _ := countArtifacts(t, dir); stall != 1 {
		t.Fatalf("expected one event within a threshold interval, got %d", stall)
	}
	controller.runProbe(now.Add(9*time.Second + 500*time.Millisecond))
	if stall, _ := countArtifacts(t, dir); stall != 2 {
		t.Fatalf("expected a second event after another interval, got %d", stall)
	}
}

func TestStartDisabledWithoutThreshold(t *testing.T) {
	controller := NewController(Options{ProgressFn: func() Progress { return Progress{} }})
	controller.Start(t.Context())
	if controller.stopCh != nil {
		t.Fatal("controller should not start without a threshold")
	}
	controller.Close()
}

func TestSampleHost(t *testing.T) {
	sample := SampleHost()
	if sample.Goroutines <= 0 {
		t.Fatalf("expected goroutine count, got %+v", sample)
	}
	if sample.MemoryPercent < 0 || sample.MemoryPercent > 100 {
		t.Fatalf("memory percent out of range: %+v", sample)
	}
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		Dir: dir,
		NowFn: func() time.Time {
			return now
		},
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "goroutine-profile"}
			}
			return nil
		},
	})

	path, err := controller.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}

	if _, err := controller.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineLeakProfileWhenEnabled(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		Dir:           dir,
		GoroutineLeak: true,
		NowFn: func() time.Time {
			return now
		},
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "leak-profile"}
			}
			return nil
		},
	})

	controller.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "flagwatch-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
