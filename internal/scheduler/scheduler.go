// Package scheduler drives job execution across a validated DAG (spec.md
// §4.7, §5): a worker pool of configurable size dispatches jobs as their
// needs are satisfied, in declaration order within a topological level, and
// integrates the Cache Store so a hit restores instead of re-executing. A
// failed job taints everything downstream of it; an unrelated branch keeps
// running unless FailFast stops the whole run at the first failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/ratchet-ci/ratchet/internal/cachekey"
	"github.com/ratchet-ci/ratchet/internal/cachestore"
	"github.com/ratchet-ci/ratchet/internal/dag"
	"github.com/ratchet-ci/ratchet/internal/hashing"
	"github.com/ratchet-ci/ratchet/internal/runplan"
	"github.com/ratchet-ci/ratchet/internal/selector"
	"github.com/ratchet-ci/ratchet/internal/stepexec"
	"github.com/ratchet-ci/ratchet/internal/toolversion"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// errFailFastStopped marks a job that was never dispatched because fail-fast
// had already stopped the run; distinct from a true context cancellation so
// runOne can tell the two apart (spec.md §4.7, §5).
var errFailFastStopped = errors.New("not started: fail-fast stopped the run")

// Scheduler executes every job in a Graph, honoring Decisions from the
// Selector, the Cache Store, and a configurable worker pool.
type Scheduler struct {
	Graph         *dag.Graph
	Decisions     map[string]selector.Decision
	Cache         *cachestore.Store
	Executors     *stepexec.Registry
	ToolResolver  toolversion.Resolver
	WorkspaceRoot string
	Workers       int
	FailFast      bool

	// Env is the base environment every step process inherits; the shell
	// executor layers the job's own declared Env on top of this.
	Env []string

	// Logger receives warnings for cache errors that are logged and
	// swallowed rather than failing a job (spec.md §7). Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// sharedState is the single-lock-protected ready-set / in-degree / result
// table the worker pool coordinates through (spec.md §5).
type sharedState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	inDegree  map[string]int
	results   map[string]runplan.JobResult
	tainted   map[string]bool
	ready     []string
	remaining int
	failed    bool
}

func newSharedState(g *dag.Graph) *sharedState {
	st := &sharedState{
		inDegree: make(map[string]int),
		results:  make(map[string]runplan.JobResult),
		tainted:  make(map[string]bool),
	}
	st.cond = sync.NewCond(&st.mu)

	names := g.Jobs()
	st.remaining = len(names)
	for _, name := range names {
		st.inDegree[name] = len(g.Needs(name))
	}
	for _, name := range names {
		if st.inDegree[name] == 0 {
			st.ready = append(st.ready, name)
		}
	}
	return st
}

// Run executes the DAG, returning an aggregated RunResult. The returned
// error is non-nil only for engine-level failures; job failures are
// recorded in RunResult, not returned as an error.
func (s *Scheduler) Run(ctx context.Context) (*runplan.RunResult, error) {
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := newSharedState(s.Graph)

	// Wake every waiting worker when the run context is cancelled, so an
	// external cancellation doesn't leave workers blocked in cond.Wait
	// forever. A FailFast stop wakes them through worker's own Broadcast.
	go func() {
		<-runCtx.Done()
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	}()

	workers := s.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(runCtx, st)
		}()
	}
	wg.Wait()

	levels := s.Graph.Levels()
	plan := runplan.Plan{}
	for level, jobsAtLevel := range levels {
		for _, name := range jobsAtLevel {
			plan.Entries = append(plan.Entries, runplan.PlanEntry{
				Job:      name,
				Selected: s.Decisions[name].Selected,
				Reason:   s.Decisions[name].Reason,
				Needs:    s.Graph.Needs(name),
				Level:    level,
			})
		}
	}

	return &runplan.RunResult{
		Plan:      plan,
		Results:   st.results,
		StartedAt: start,
		Duration:  time.Since(start),
	}, nil
}

// worker repeatedly claims the next ready job (in declaration order) until
// none remain, fail-fast has stopped the run, or the run is externally
// cancelled. Fail-fast only stops new dispatch here; it never cancels ctx,
// so a job already running keeps running to completion (spec.md §4.7).
func (s *Scheduler) worker(ctx context.Context, st *sharedState) {
	for {
		st.mu.Lock()
		for len(st.ready) == 0 && st.remaining > 0 && ctx.Err() == nil && !st.failed {
			st.cond.Wait()
		}
		stopped := ctx.Err() != nil || st.failed
		if st.remaining == 0 || (stopped && len(st.ready) == 0) {
			st.mu.Unlock()
			return
		}
		name := st.popReadyLocked()
		st.mu.Unlock()

		s.runOne(ctx, st, name)

		st.mu.Lock()
		st.remaining--
		s.advanceLocked(st, name)
		if st.results[name].Status == runplan.StatusFailed && s.FailFast {
			st.failed = true
		}
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}

// popReadyLocked removes and returns the oldest-enqueued ready job. Since
// ready is always appended to in declaration order (the Graph's own job
// order, for the initial level, and Children() order thereafter), a FIFO
// pop preserves declaration-order dispatch within a level. Callers must
// hold st.mu.
func (st *sharedState) popReadyLocked() string {
	name := st.ready[0]
	st.ready = st.ready[1:]
	return name
}

// advanceLocked decrements in-degree for name's children, propagating taint
// from a failed or tainted job, and enqueues newly-ready children. Callers
// must hold st.mu.
func (s *Scheduler) advanceLocked(st *sharedState, name string) {
	failed := st.tainted[name]
	if res, ok := st.results[name]; ok && res.Status == runplan.StatusFailed {
		failed = true
	}

	for _, child := range s.Graph.Children(name) {
		if failed {
			st.tainted[child] = true
		}
		st.inDegree[child]--
		if st.inDegree[child] == 0 {
			st.ready = append(st.ready, child)
		}
	}
}

// runOne executes, skips, taints, or cancels a single job and records its
// result.
func (s *Scheduler) runOne(ctx context.Context, st *sharedState, name string) {
	job, _ := s.Graph.Job(name)

	st.mu.Lock()
	tainted := st.tainted[name]
	failFastStopped := st.failed && s.FailFast
	st.mu.Unlock()

	if tainted {
		s.record(st, runplan.JobResult{Job: name, Status: runplan.StatusTainted, StartedAt: time.Now()})
		return
	}

	if !s.Decisions[name].Selected {
		s.record(st, runplan.JobResult{Job: name, Status: runplan.StatusSkipped, StartedAt: time.Now()})
		return
	}

	if failFastStopped {
		s.record(st, runplan.JobResult{Job: name, Status: runplan.StatusTainted, StartedAt: time.Now(), Err: errFailFastStopped})
		return
	}

	if ctx.Err() != nil {
		s.record(st, runplan.JobResult{Job: name, Status: runplan.StatusCancelled, StartedAt: time.Now(), Err: ctx.Err()})
		return
	}

	started := time.Now()
	result, err := s.execute(ctx, job)
	result.Job = name
	result.StartedAt = started
	result.Duration = time.Since(started)
	if err != nil {
		result.Err = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			result.Status = runplan.StatusCancelled
		} else {
			result.Status = runplan.StatusFailed
		}
	}
	s.record(st, result)
}

func (s *Scheduler) record(st *sharedState, result runplan.JobResult) {
	st.mu.Lock()
	st.results[result.Job] = result
	st.mu.Unlock()
}

// execute resolves the job's cache key, restores on a cache hit, or runs
// every step in sequence and stores the result on a successful miss, then
// prunes the job's cache namespace to CacheKeep entries.
func (s *Scheduler) execute(ctx context.Context, job workflow.Job) (runplan.JobResult, error) {
	digest, err := hashing.Hash(s.WorkspaceRoot, job.Inputs)
	if err != nil {
		return runplan.JobResult{}, fmt.Errorf("hashing inputs for job %q: %w", job.Name, err)
	}

	var toolVersions map[string]string
	if s.ToolResolver != nil {
		toolVersions = toolversion.ResolveAll(ctx, s.ToolResolver, job.Requires)
	}

	key := cachekey.Derive(cachekey.Inputs{Job: job, ToolVersions: toolVersions, InputDigest: digest})

	if s.Cache != nil {
		hit, err := s.Cache.Lookup(job.Name, key)
		if err != nil {
			// Lookup error (the entry is already quarantined by Lookup
			// itself): treated as a miss, never as a reason to fail the
			// job, per spec.md §7.
			s.logger().Warn("cache lookup failed, treating as a miss",
				"job", job.Name, "key", key, "err", err)
			hit = false
		}
		if hit {
			if err := s.Cache.Restore(job.Name, key, s.WorkspaceRoot); err == nil {
				return runplan.JobResult{Status: runplan.StatusCacheHit, CacheKey: key}, nil
			}
			// Restore failed (quarantined as corrupt): fall through and
			// treat this as a cache miss, per spec.md §7.
		}
	}

	env := append([]string{}, s.Env...)
	for _, e := range job.Env {
		env = append(env, e.Name+"="+e.Value)
	}

	for _, step := range job.Steps {
		dir := s.WorkspaceRoot
		if step.Dir != "" {
			dir = filepath.Join(s.WorkspaceRoot, step.Dir)
		}
		_, err := s.Executors.Run(ctx, dir, step, env)
		if err != nil {
			return runplan.JobResult{Status: runplan.StatusFailed, CacheKey: key, FailingStep: step.Name}, err
		}
	}

	if s.Cache != nil && len(job.CacheDirs) > 0 {
		if err := s.Cache.Store(job.Name, key, s.WorkspaceRoot, job.CacheDirs); err != nil {
			// Store error: logged and swallowed. A missing cache never
			// fails a successful job, per spec.md §7.
			s.logger().Warn("storing cache entry failed", "job", job.Name, "key", key, "err", err)
		} else {
			keep := job.CacheKeep
			if keep == 0 {
				keep = workflow.DefaultCacheKeep
			}
			if err := s.Cache.Prune(job.Name, keep); err != nil {
				s.logger().Warn("pruning cache entry failed", "job", job.Name, "err", err)
			}
		}
	}

	return runplan.JobResult{Status: runplan.StatusSucceeded, CacheKey: key}, nil
}
