package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSamePath(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "timeslots")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !SamePath(dir, filepath.Join(root, "x", "..", "timeslots")) {
		t.Fatal("expected cleaned paths to match")
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(dir, link); err == nil && !SamePath(dir, link) {
		t.Fatal("expected symlink to resolve to the same directory")
	}
	if SamePath(dir, root) {
		t.Fatal("different directories reported as the same")
	}
}
