package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndCleanup(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	dir, err := m.Prepare("launch-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	// Prepare for the same identifier must start from a clean directory.
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	if _, err := m.Prepare("launch-1"); err != nil {
		t.Fatalf("re-prepare: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale file survived re-prepare")
	}

	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("workspace survived cleanup")
	}
}

func TestCleanupConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("cleanup outside root must fail")
	}
	if err := m.Cleanup(filepath.Join(root, "work")); err == nil {
		t.Fatal("cleanup of root itself must fail")
	}
	if err := m.Cleanup(""); err != nil {
		t.Fatalf("cleanup of empty path must be a no-op: %v", err)
	}
}

func TestStage(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	source := t.TempDir()
	mustWrite := func(rel, content string) {
		t.Helper()
		path := filepath.Join(source, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	mustWrite("requirements.txt", "fastapi==0.104.1\n")
	mustWrite("app/main.py", "app = object()\n")
	mustWrite(".git/config", "[core]\n")

	dest, err := m.Prepare("launch-2")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.Stage(source, dest); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "app", "main.py")); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Fatal("version control metadata staged into build context")
	}

	data, err := os.ReadFile(filepath.Join(dest, "requirements.txt"))
	if err != nil {
		t.Fatalf("read staged manifest: %v", err)
	}
	if string(data) != "fastapi==0.104.1\n" {
		t.Fatalf("staged content = %q", data)
	}
}

func TestStageMissingSource(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	dest, err := m.Prepare("launch-3")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.Stage(filepath.Join(root, "does-not-exist"), dest); err == nil {
		t.Fatal("expected error for missing source tree")
	}
}
