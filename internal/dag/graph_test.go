package dag

import (
	"errors"
	"testing"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

func job(name string, needs ...string) workflow.Job {
	return workflow.Job{
		Name:  name,
		Steps: []workflow.Step{{Name: "run", Kind: "shell", Command: "true"}},
		Needs: needs,
	}
}

func TestBuildLevelsLinear(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a"),
		job("b", "a"),
		job("c", "b"),
	}}

	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	levels := g.Levels()
	want := [][]string{{"a"}, {"b"}, {"c"}}
	assertLevels(t, levels, want)
}

func TestBuildLevelsFanOut(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a"),
		job("b", "a"),
		job("c", "a"),
		job("d", "b", "c"),
	}}

	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	levels := g.Levels()
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	assertLevels(t, levels, want)
}

func TestBuildIndependentJobsShareLevel(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a"),
		job("b"),
		job("c"),
	}}

	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	levels := g.Levels()
	if len(levels) != 1 || len(levels[0]) != 3 {
		t.Fatalf("Levels() = %v, want a single level with 3 jobs", levels)
	}
}

func TestBuildDuplicateJobName(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a"),
		job("a"),
	}}

	_, err := Build(wf)
	var dupErr *enginerr.DuplicateJobError
	if !errors.As(err, &dupErr) {
		t.Fatalf("Build() error = %v, want *enginerr.DuplicateJobError", err)
	}
}

func TestBuildUnknownNeed(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a", "ghost"),
	}}

	_, err := Build(wf)
	var unkErr *enginerr.UnknownNeedError
	if !errors.As(err, &unkErr) {
		t.Fatalf("Build() error = %v, want *enginerr.UnknownNeedError", err)
	}
}

func TestBuildCycleDetected(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a", "c"),
		job("b", "a"),
		job("c", "b"),
	}}

	_, err := Build(wf)
	var cycleErr *enginerr.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Build() error = %v, want *enginerr.CycleError", err)
	}
}

func TestBuildSelfCycleDetected(t *testing.T) {
	wf := &workflow.Workflow{Jobs: []workflow.Job{
		job("a", "a"),
	}}

	_, err := Build(wf)
	var cycleErr *enginerr.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Build() error = %v, want *enginerr.CycleError", err)
	}
}

func assertLevels(t *testing.T, got, want [][]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Levels() = %v, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("Levels()[%d] = %v, want %v", i, got[i], want[i])
		}
		seen := make(map[string]bool)
		for _, n := range got[i] {
			seen[n] = true
		}
		for _, n := range want[i] {
			if !seen[n] {
				t.Fatalf("Levels()[%d] = %v, want to contain %v", i, got[i], want[i])
			}
		}
	}
}
