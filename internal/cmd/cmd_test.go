package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunCommandHasExpectedUse(t *testing.T) {
	if runCmd.Use != "run" {
		t.Errorf("runCmd.Use = %q, want %q", runCmd.Use, "run")
	}
}

func TestCachePruneCommandFlags(t *testing.T) {
	flag := cachePruneCmd.Flags().Lookup("keep")
	if flag == nil {
		t.Fatal(`"keep" flag not found on cache prune`)
	}
	if flag.Value.Type() != "int" {
		t.Errorf(`"keep" flag type = %q, want "int"`, flag.Value.Type())
	}
}

func setFlagsForRepo(t *testing.T, repo string) {
	t.Helper()
	flagRepoRoot = repo
	flagWorkflow = filepath.Join(repo, "ratchet.yaml")
	flagCacheRoot = filepath.Join(repo, ".ratchet-cache")
	flagWorkers = 1
	flagFailFast = false
	flagMode = "all"
	flagCompareRef = ""
	t.Cleanup(func() {
		flagRepoRoot = "."
		flagWorkflow = "ratchet.yaml"
		flagCacheRoot = ""
		flagWorkers = 0
		flagMode = "all"
		flagCompareRef = ""
	})
}

func TestPrepareLoadsWorkflowAndSelectsJobs(t *testing.T) {
	repo := t.TempDir()
	workflow := `
jobs:
  - name: build
    steps:
      - name: run
        kind: shell
        command: "true"
`
	if err := os.WriteFile(filepath.Join(repo, "ratchet.yaml"), []byte(workflow), 0o644); err != nil {
		t.Fatal(err)
	}
	setFlagsForRepo(t, repo)

	prep, code, err := prepare(context.Background())
	if err != nil {
		t.Fatalf("prepare() failed (code=%d): %v", code, err)
	}
	if !prep.Decisions["build"].Selected {
		t.Error("expected build to be selected in all mode")
	}
}

func TestPrepareReturnsWorkflowLoadErrorCode(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "ratchet.yaml"), []byte("not: [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	setFlagsForRepo(t, repo)

	_, code, err := prepare(context.Background())
	if err == nil {
		t.Fatal("expected an error for invalid YAML")
	}
	if code != ExitWorkflowLoadError {
		t.Errorf("exit code = %d, want %d", code, ExitWorkflowLoadError)
	}
}

func TestPrepareReturnsDAGErrorCode(t *testing.T) {
	repo := t.TempDir()
	workflow := `
jobs:
  - name: build
    needs: [missing]
    steps:
      - name: run
        kind: shell
        command: "true"
`
	if err := os.WriteFile(filepath.Join(repo, "ratchet.yaml"), []byte(workflow), 0o644); err != nil {
		t.Fatal(err)
	}
	setFlagsForRepo(t, repo)

	_, code, err := prepare(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unknown need")
	}
	if code != ExitDAGError {
		t.Errorf("exit code = %d, want %d", code, ExitDAGError)
	}
}
