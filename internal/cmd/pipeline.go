package cmd

import (
	"context"
	"fmt"

	"github.com/ratchet-ci/ratchet/internal/dag"
	"github.com/ratchet-ci/ratchet/internal/repofacts"
	"github.com/ratchet-ci/ratchet/internal/runconfig"
	"github.com/ratchet-ci/ratchet/internal/selector"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// preparedRun holds everything the run/plan commands share: a validated
// config, the loaded workflow, its DAG, and the selector's decisions.
type preparedRun struct {
	Config    *runconfig.Config
	Workflow  *workflow.Workflow
	Graph     *dag.Graph
	Decisions map[string]selector.Decision
	Facts     *repofacts.Facts
}

// prepare loads configuration, the workflow, the DAG, and (in diff mode)
// repo facts, returning the combined exit code a caller should use on
// failure (ExitWorkflowLoadError, ExitDAGError, or ExitRepoFactsError).
func prepare(ctx context.Context) (*preparedRun, int, error) {
	cfg := &runconfig.Config{
		RepoRoot:     flagRepoRoot,
		WorkflowPath: flagWorkflow,
		CacheRoot:    flagCacheRoot,
		Workers:      flagWorkers,
		Mode:         selector.Mode(flagMode),
		CompareRef:   flagCompareRef,
	}
	if err := cfg.Validate(); err != nil {
		return nil, ExitWorkflowLoadError, fmt.Errorf("invalid configuration: %w", err)
	}

	wf, err := workflow.Load(cfg.WorkflowPath)
	if err != nil {
		return nil, ExitWorkflowLoadError, err
	}

	g, err := dag.Build(wf)
	if err != nil {
		return nil, ExitDAGError, err
	}

	var facts *repofacts.Facts
	var changedPaths []string
	if cfg.Mode == selector.ModeDiff {
		facts, err = repofacts.Gather(ctx, cfg.RepoRoot, cfg.CompareRef)
		if err != nil {
			return nil, ExitRepoFactsError, err
		}
		changedPaths = facts.ChangedPaths
	}

	decisionList, err := selector.Select(wf, cfg.Mode, changedPaths)
	if err != nil {
		return nil, ExitDAGError, err
	}
	decisions := make(map[string]selector.Decision, len(decisionList))
	for _, d := range decisionList {
		decisions[d.Job] = d
	}

	return &preparedRun{
		Config:    cfg,
		Workflow:  wf,
		Graph:     g,
		Decisions: decisions,
		Facts:     facts,
	}, ExitSuccess, nil
}
