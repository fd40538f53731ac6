package cachestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreLookupRestoreRoundTrip(t *testing.T) {
	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "dist", "out.bin"), []byte("binary data"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, err := store.Lookup("build", "key1")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if found {
		t.Fatal("expected miss before Store()")
	}

	if err := store.Store("build", "key1", workspace, []string{"dist"}); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	found, err = store.Lookup("build", "key1")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if !found {
		t.Fatal("expected hit after Store()")
	}

	dest := t.TempDir()
	if err := store.Restore("build", "key1", dest); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "dist", "out.bin"))
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(content) != "binary data" {
		t.Errorf("restored content = %q, want %q", content, "binary data")
	}
}

func TestStoreRestoreEmptyDir(t *testing.T) {
	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "emptydir"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := store.Store("build", "key-empty", workspace, []string{"emptydir"}); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	dest := t.TempDir()
	if err := store.Restore("build", "key-empty", dest); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "emptydir"))
	if err != nil {
		t.Fatalf("restored empty dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("restored emptydir should be a directory")
	}
}

func TestStoreRestoreCorruptQuarantines(t *testing.T) {
	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	jobDir := filepath.Join(cacheRoot, "build")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "bad.tar.gz"), []byte("not a valid gzip stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "bad.meta.json"), []byte(`{"job":"build","key":"bad"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	err = store.Restore("build", "bad", dest)
	if err == nil {
		t.Fatal("expected Restore() to fail on a corrupt archive")
	}

	if _, err := os.Stat(filepath.Join(jobDir, "bad.tar.gz.corrupt")); err != nil {
		t.Errorf("expected corrupt archive to be quarantined: %v", err)
	}
}

func TestStoreLookupQuarantinesOnStatError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks don't apply when running as root")
	}

	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	jobDir := filepath.Join(cacheRoot, "build")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "bad.tar.gz"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "bad.meta.json"), []byte(`{"job":"build","key":"bad"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Strip the directory's execute bit so os.Stat on the archive inside it
	// fails with a permission error rather than IsNotExist.
	if err := os.Chmod(jobDir, 0o600); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(jobDir, 0o755)

	found, err := store.Lookup("build", "bad")
	if err == nil {
		t.Fatal("expected Lookup() to fail on a stat permission error")
	}
	if found {
		t.Error("expected found=false alongside the error")
	}

	os.Chmod(jobDir, 0o755)
	if _, statErr := os.Stat(filepath.Join(jobDir, "bad.tar.gz.corrupt")); statErr != nil {
		t.Errorf("expected archive to be quarantined: %v", statErr)
	}
}

func TestStorePruneKeepsNewest(t *testing.T) {
	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}

	keys := []string{"k1", "k2", "k3", "k4"}
	for _, k := range keys {
		if err := store.Store("build", k, workspace, []string{"dist"}); err != nil {
			t.Fatalf("Store(%s) failed: %v", k, err)
		}
		// Ensure distinct CreatedAt ordering across entries.
		time.Sleep(10 * time.Millisecond)
	}

	if err := store.Prune("build", 2); err != nil {
		t.Fatalf("Prune() failed: %v", err)
	}

	for _, k := range []string{"k1", "k2"} {
		found, err := store.Lookup("build", k)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", k, err)
		}
		if found {
			t.Errorf("expected %s to be pruned", k)
		}
	}
	for _, k := range []string{"k3", "k4"} {
		found, err := store.Lookup("build", k)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", k, err)
		}
		if !found {
			t.Errorf("expected %s to survive prune", k)
		}
	}
}

func TestStorePruneNoOpOnMissingJobDir(t *testing.T) {
	cacheRoot := t.TempDir()
	store, err := New(cacheRoot)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Prune("never-ran", 5); err != nil {
		t.Errorf("Prune() on nonexistent job dir should be a no-op, got: %v", err)
	}
}
