package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
)

// Load reads a workflow definition from a YAML file and validates it at the
// "workflow load" level: struct shape, duplicate job names, and escaping
// paths (spec.md §7 "Workflow load error"; the DAG-level checks, unknown
// needs, cycles, belong to internal/dag and are not duplicated here).
func Load(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}

	wf, err := LoadBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	wf.Source = path
	return wf, nil
}

// LoadBytes parses and validates a workflow definition already in memory;
// the coordination plane's `POST /runs` handler receives workflow_bytes over
// the wire rather than a path on disk.
func LoadBytes(raw []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}

	return &wf, nil
}

// Validate checks structural invariants that don't require the full DAG:
// non-empty job/step names, at least one step per job, no self-referencing
// needs, unique job names, and no cache_dirs/inputs/paths entries that escape
// the workspace.
func Validate(wf *Workflow) error {
	seen := make(map[string]bool, len(wf.Jobs))

	for i := range wf.Jobs {
		job := &wf.Jobs[i]

		if job.Name == "" {
			return fmt.Errorf("job at index %d has an empty name", i)
		}
		if seen[job.Name] {
			return &enginerr.DuplicateJobError{Name: job.Name}
		}
		seen[job.Name] = true

		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q has no steps", job.Name)
		}
		for _, s := range job.Steps {
			if s.Name == "" {
				return fmt.Errorf("job %q has a step with an empty name", job.Name)
			}
		}

		for _, need := range job.Needs {
			if need == job.Name {
				return fmt.Errorf("job %q cannot need itself", job.Name)
			}
		}

		if job.CacheKeep == 0 {
			job.CacheKeep = DefaultCacheKeep
		}

		if err := checkNoEscape(job.Name, "cacheDirs", job.CacheDirs); err != nil {
			return err
		}
		if err := checkNoEscape(job.Name, "inputs", job.Inputs); err != nil {
			return err
		}
		if err := checkNoEscape(job.Name, "paths", job.Paths); err != nil {
			return err
		}

		for _, g := range job.Inputs {
			if _, err := doublestar.Match(g, ""); err != nil {
				return fmt.Errorf("job %q: invalid glob in inputs %q: %w", job.Name, g, err)
			}
		}
		for _, g := range job.Paths {
			if _, err := doublestar.Match(g, ""); err != nil {
				return fmt.Errorf("job %q: invalid glob in paths %q: %w", job.Name, g, err)
			}
		}
	}

	return nil
}

// checkNoEscape rejects absolute paths and ".." segments, per SPEC_FULL.md's
// resolution of the "escaping cache_dirs" open question (applied uniformly
// to cacheDirs, inputs, and paths).
func checkNoEscape(job, field string, entries []string) error {
	for _, p := range entries {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			return &enginerr.EscapingPathError{Job: job, Field: field, Path: p}
		}
		clean := filepath.ToSlash(filepath.Clean(p))
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return &enginerr.EscapingPathError{Job: job, Field: field, Path: p}
		}
	}
	return nil
}
