package stepexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

func TestShellExecutorSuccess(t *testing.T) {
	e := &ShellExecutor{}
	step := workflow.Step{Name: "echo", Kind: "shell", Command: "echo hello"}

	result, err := e.Run(context.Background(), t.TempDir(), step, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestShellExecutorNonZeroExit(t *testing.T) {
	e := &ShellExecutor{}
	step := workflow.Step{Name: "fail", Kind: "shell", Command: "exit 3"}

	result, err := e.Run(context.Background(), t.TempDir(), step, nil)
	var stepErr *enginerr.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Run() error = %v, want *enginerr.StepError", err)
	}
	if stepErr.ExitCode != 3 {
		t.Errorf("StepError.ExitCode = %d, want 3", stepErr.ExitCode)
	}
	if result == nil || result.ExitCode != 3 {
		t.Errorf("Result.ExitCode = %+v, want 3", result)
	}
}

func TestShellExecutorCancellation(t *testing.T) {
	e := &ShellExecutor{}
	step := workflow.Step{Name: "sleep", Kind: "shell", Command: "sleep 30"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, t.TempDir(), step, nil)
	if err == nil {
		t.Fatal("expected Run() to fail when context is cancelled mid-step")
	}
	var stepErr *enginerr.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Run() error = %v, want *enginerr.StepError wrapping context error", err)
	}
	if !errors.Is(stepErr.Cause, context.DeadlineExceeded) {
		t.Errorf("StepError.Cause = %v, want context.DeadlineExceeded", stepErr.Cause)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	step := workflow.Step{Name: "mystery", Kind: "container"}

	_, err := r.Run(context.Background(), t.TempDir(), step, nil)
	var kindErr *enginerr.UnknownStepKindError
	if !errors.As(err, &kindErr) {
		t.Fatalf("Run() error = %v, want *enginerr.UnknownStepKindError", err)
	}
}

func TestRegistryExtensionKind(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", noopExecutor{})

	step := workflow.Step{Name: "noop-step", Kind: "noop"}
	result, err := r.Run(context.Background(), t.TempDir(), step, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

// noopExecutor is a hand-written fake Executor exercising the registry's
// extension point.
type noopExecutor struct{}

func (noopExecutor) Run(_ context.Context, _ string, _ workflow.Step, _ []string) (*Result, error) {
	return &Result{ExitCode: 0}, nil
}
