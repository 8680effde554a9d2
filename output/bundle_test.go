package output

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"flagwatch/anomaly"
	"flagwatch/store"
)

type staticSource struct {
	flags []anomaly.Flag
	err   error
}

func (s staticSource) BySession(sessionID string) ([]anomaly.Flag, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []anomaly.Flag
	for _, f := range s.flags {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func TestBundleRoundTrip(t *testing.T) {
	flags := []anomaly.Flag{
		sampleFlag("id-1", "sess", anomaly.High),
		sampleFlag("id-2", "sess", anomaly.Critical),
	}
	header := BundleHeader{
		Summary:    store.Summarize("sess", flags),
		ExportedAt: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
		Version:    "test",
	}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, header, flags); err != nil {
		t.Fatalf("write: %v", err)
	}
	if bytes.HasPrefix(buf.Bytes(), []byte("{")) {
		t.Fatal("bundle should be compressed")
	}

	gotHeader, gotFlags, err := ReadBundle(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(gotHeader, header) {
		t.Fatalf("header mismatch:\n got %+v\nwant %+v", gotHeader, header)
	}
	if !reflect.DeepEqual(gotFlags, flags) {
		t.Fatalf("flags mismatch:\n got %+v\nwant %+v", gotFlags, flags)
	}
}

func TestReadBundleRejectsGarbage(t *testing.T) {
	if _, _, err := ReadBundle(bytes.NewReader([]byte("not zstd"))); err == nil {
		t.Fatal("expected error for uncompressed input")
	}
	var buf bytes.Buffer
	if err := WriteBundle(&buf, BundleHeader{}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	header, flags, err := ReadBundle(&buf)
	if err != nil || len(flags) != 0 || header.Summary.TotalFlags != 0 {
		t.Fatalf("expected header-only bundle, got %+v %v %v", header, flags, err)
	}
}

func TestExportSession(t *testing.T) {
	src := staticSource{flags: []anomaly.Flag{
		sampleFlag("id-1", "sess", anomaly.Medium),
		sampleFlag("id-2", "other", anomaly.Critical),
		sampleFlag("id-3", "sess", anomaly.High),
	}}
	path := filepath.Join(t.TempDir(), "exports", "sess.ndjson.zst")

	header, err := ExportSession(src, "sess", path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if header.Summary.TotalFlags != 2 || header.Summary.HighestSeverity != "High" {
		t.Fatalf("unexpected summary %+v", header.Summary)
	}
	if header.ExportedAt.IsZero() || header.Version == "" {
		t.Fatalf("header not stamped: %+v", header)
	}

	gotHeader, gotFlags, err := ReadBundleFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotHeader.Summary.TotalFlags != 2 || len(gotFlags) != 2 {
		t.Fatalf("unexpected bundle %+v %d", gotHeader.Summary, len(gotFlags))
	}
	for _, f := range gotFlags {
		if f.SessionID != "sess" {
			t.Fatalf("foreign flag in bundle: %+v", f)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the bundle in export dir, got %d entries", len(entries))
	}
}

func TestExportSessionSourceError(t *testing.T) {
	boom := errors.New("boom")
	path := filepath.Join(t.TempDir(), "sess.ndjson.zst")
	if _, err := ExportSession(staticSource{err: boom}, "sess", path); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("no bundle should be written, stat err=%v", err)
	}
}
