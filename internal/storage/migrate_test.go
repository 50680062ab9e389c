package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "003_c.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "004_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	pending, err := pendingMigrations(dir, map[string]bool{"002_b.sql": true})
	if err != nil {
		t.Fatalf("pendingMigrations failed: %v", err)
	}

	want := []string{"001_a.sql", "003_c.sql"}
	if len(pending) != len(want) {
		t.Fatalf("expected %v, got %v", want, pending)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], pending[i])
		}
	}
}

func TestPendingMigrationsMissingDir(t *testing.T) {
	if _, err := pendingMigrations(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}
