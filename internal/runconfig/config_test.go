package runconfig

import (
	"path/filepath"
	"testing"

	"github.com/ratchet-ci/ratchet/internal/selector"
)

func TestValidateDefaults(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{RepoRoot: root, WorkflowPath: filepath.Join(root, "workflow.yaml")}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if cfg.Mode != selector.ModeAll {
		t.Errorf("Mode = %q, want %q", cfg.Mode, selector.ModeAll)
	}
	if cfg.Workers < 1 {
		t.Errorf("Workers = %d, want >= 1", cfg.Workers)
	}
	if cfg.CacheRoot == "" {
		t.Error("CacheRoot should default to a non-empty path")
	}
}

func TestValidateRequiresRepoRoot(t *testing.T) {
	cfg := &Config{WorkflowPath: "workflow.yaml"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when RepoRoot is missing")
	}
}

func TestValidateRejectsEscapingWorkflowPath(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{RepoRoot: root, WorkflowPath: filepath.Join(root, "..", "outside.yaml")}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when WorkflowPath escapes RepoRoot")
	}
}

func TestValidateDiffModeRequiresCompareRef(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		RepoRoot:     root,
		WorkflowPath: filepath.Join(root, "workflow.yaml"),
		Mode:         selector.ModeDiff,
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when diff mode is selected without a CompareRef")
	}
}

func TestValidateRejectsInvalidMode(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		RepoRoot:     root,
		WorkflowPath: filepath.Join(root, "workflow.yaml"),
		Mode:         "bogus",
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for an invalid Mode")
	}
}

func TestValidateRejectsZeroWorkersFromExplicitNegative(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{RepoRoot: root, WorkflowPath: filepath.Join(root, "workflow.yaml"), Workers: -1}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a negative explicit Workers value")
	}
}
