//go:build linux

package watcher

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func rawEvent(mask uint32, name string, padded int) []byte {
	buf := make([]byte, unix.SizeofInotifyEvent+padded)
	binary.NativeEndian.PutUint32(buf[4:8], mask)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(padded))
	copy(buf[unix.SizeofInotifyEvent:], name)
	return buf
}

func TestParseEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, rawEvent(unix.IN_CREATE, "slot_1.json", 16)...)
	buf = append(buf, rawEvent(unix.IN_Q_OVERFLOW, "", 0)...)
	buf = append(buf, rawEvent(unix.IN_MOVED_TO, "slot_2.json", 32)...)
	// Truncated trailing event is ignored.
	buf = append(buf, rawEvent(unix.IN_CLOSE_WRITE, "x.json", 16)[:20]...)

	events := parseEvents(buf)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].name != "slot_1.json" || events[0].mask != unix.IN_CREATE {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].name != "" || events[1].mask&unix.IN_Q_OVERFLOW == 0 {
		t.Fatalf("unexpected overflow event %+v", events[1])
	}
	if events[2].name != "slot_2.json" {
		t.Fatalf("unexpected third event %+v", events[2])
	}
}

func TestOverflowRepublishesDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	nb, err := newNativeBackend(dir, nil, 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer nb.close()
	b := nb.(*inotifyBackend)

	var got []string
	publish := func(name string) bool {
		got = append(got, name)
		return true
	}
	ok, err := b.handle([]inotifyEvent{
		{mask: unix.IN_CREATE, name: "c.json"},
		{mask: unix.IN_Q_OVERFLOW},
	}, publish)
	if !ok || err != nil {
		t.Fatalf("expected to keep running, got %v %v", ok, err)
	}
	want := []string{"c.json", "a.json", "b.json", "notes.txt"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestOverflowRepublishStopsWhenConsumerGone(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.json", "b.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	nb, err := newNativeBackend(dir, nil, 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer nb.close()

	calls := 0
	ok, err := nb.(*inotifyBackend).handle([]inotifyEvent{{mask: unix.IN_Q_OVERFLOW}}, func(string) bool {
		calls++
		return false
	})
	if ok || err != nil || calls != 1 {
		t.Fatalf("expected stop after first publish, got ok=%v err=%v calls=%d", ok, err, calls)
	}
}

func TestRemovedDirectoryEndsRun(t *testing.T) {
	nb, err := newNativeBackend(t.TempDir(), nil, 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer nb.close()
	ok, err := nb.(*inotifyBackend).handle([]inotifyEvent{{mask: unix.IN_DELETE_SELF}}, func(string) bool { return true })
	if ok || err == nil {
		t.Fatalf("expected error for removed directory, got ok=%v err=%v", ok, err)
	}
}
