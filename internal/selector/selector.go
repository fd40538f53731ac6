// Package selector implements change-aware job selection (spec.md §4.5):
// in "all" mode every job runs; in "diff" mode a job with DiffEnabled runs
// only if it declares no Paths or one of its Paths globs matches a changed
// path. Skipping a job
// never automatically skips its dependents; the Scheduler decides whether
// a skipped upstream taints what needs it.
package selector

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// Mode selects how jobs are filtered.
type Mode string

const (
	ModeAll  Mode = "all"
	ModeDiff Mode = "diff"
)

// Decision records whether a job was selected to run and why.
type Decision struct {
	Job      string
	Selected bool
	Reason   string
}

// Select evaluates every job in wf against mode and changedPaths, returning
// one Decision per job in declaration order.
func Select(wf *workflow.Workflow, mode Mode, changedPaths []string) ([]Decision, error) {
	decisions := make([]Decision, 0, len(wf.Jobs))

	for _, job := range wf.Jobs {
		d, err := decide(job, mode, changedPaths)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, nil
}

func decide(job workflow.Job, mode Mode, changedPaths []string) (Decision, error) {
	if mode == ModeAll {
		return Decision{Job: job.Name, Selected: true, Reason: "all mode selects every job"}, nil
	}
	if !job.DiffEnabled {
		return Decision{Job: job.Name, Selected: true, Reason: "diff selection not enabled for this job"}, nil
	}

	if len(job.Paths) == 0 {
		// A diff-enabled job with no paths filter matches everything;
		// there's nothing to narrow against.
		return Decision{Job: job.Name, Selected: true, Reason: "no paths filter declared"}, nil
	}

	for _, changed := range changedPaths {
		for _, pattern := range job.Paths {
			ok, err := doublestar.Match(pattern, changed)
			if err != nil {
				return Decision{}, fmt.Errorf("job %q: invalid path pattern %q: %w", job.Name, pattern, err)
			}
			if ok {
				return Decision{
					Job:      job.Name,
					Selected: true,
					Reason:   fmt.Sprintf("changed path %q matches %q", changed, pattern),
				}, nil
			}
		}
	}

	return Decision{Job: job.Name, Selected: false, Reason: "no changed path matched this job's paths filter"}, nil
}
