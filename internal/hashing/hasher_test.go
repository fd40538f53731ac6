package hashing

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "sub/b.go", "package b")

	h1, err := Hash(dir, []string{"**/*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	h2, err := Hash(dir, []string{"**/*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Hash() not deterministic: %s != %s", h1, h2)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")

	h1, err := Hash(dir, []string{"*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	writeFile(t, dir, "a.go", "package a // changed")

	h2, err := Hash(dir, []string{"*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if h1 == h2 {
		t.Error("Hash() should change when file content changes")
	}
}

func TestHashIndependentOfDiscoveryOrder(t *testing.T) {
	dirA := t.TempDir()
	writeFile(t, dirA, "a.go", "package a")
	writeFile(t, dirA, "b.go", "package b")

	dirB := t.TempDir()
	writeFile(t, dirB, "b.go", "package b")
	writeFile(t, dirB, "a.go", "package a")

	hA, err := Hash(dirA, []string{"*.go", "**/*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	hB, err := Hash(dirB, []string{"**/*.go", "*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if hA != hB {
		t.Errorf("Hash() should be independent of pattern/discovery order: %s != %s", hA, hB)
	}
}

func TestHashIgnoresExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, dir, "__pycache__/a.pyc", "junk")

	h1, err := Hash(dir, []string{"**/*"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	// Removing the excluded content must not change the digest.
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "__pycache__")); err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(dir, []string{"**/*"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("excluded paths should not affect the digest: %s != %s", h1, h2)
	}
}

func TestHashAbsorbsEscapingSymlinkInsteadOfSkipping(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("not mine to read"), 0o644); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(dir, "escape.go")
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), link); err != nil {
		t.Fatal(err)
	}

	h1, err := Hash(dir, []string{"*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	// Repointing the link to a different target outside root must change the
	// digest: the link is absorbed by its path and target text, not skipped.
	if err := os.Remove(link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "other.txt"), link); err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(dir, []string{"*.go"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if h1 == h2 {
		t.Error("Hash() should change when an escaping symlink's target changes")
	}
}

func TestHashEmptyMatchSet(t *testing.T) {
	dir := t.TempDir()

	h, err := Hash(dir, []string{"*.nonexistent"})
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if h == "" {
		t.Error("Hash() of empty match set should still produce a stable digest, not an empty string")
	}
}
