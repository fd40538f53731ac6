// Package coordinator is the remote-coordination plane (spec.md §6): a
// minimal HTTP service, backed by SQLite, that lets agents lease jobs from a
// shared run and report completion back, so a fleet of agents can reuse the
// same local execution engine (internal/scheduler) instead of each needing
// its own orchestration logic.
package coordinator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/google/uuid"

	"github.com/ratchet-ci/ratchet/internal/dag"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// Job status domain, spec.md §6.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run status domain mirrors the job one at the run level.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
)

const defaultLeaseTTL = 2 * time.Minute

// JobPayload is what a leased job's payload column deserializes into: enough
// for an agent to execute the job without re-loading the whole workflow.
type JobPayload struct {
	Job workflow.Job `json:"job"`
}

// Store is the SQLite-backed persistence layer for runs, jobs, and leases.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the coordination database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		// #nosec G301 - restrictive permissions, owner-only access
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating coordinator database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening coordinator database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		ref TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		job_name TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		logs TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS leases (
		job_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		leased_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating coordinator schema: %w", err)
	}
	return nil
}

// CreateRun loads and validates workflowBytes, builds its DAG (rejecting
// cycles and unknown needs up front, same as a local invocation would), and
// enqueues one job row per job in the workflow.
func (s *Store) CreateRun(repo, ref string, workflowBytes []byte) (runID string, err error) {
	wf, err := workflow.LoadBytes(workflowBytes)
	if err != nil {
		return "", fmt.Errorf("loading workflow: %w", err)
	}
	if _, err := dag.Build(wf); err != nil {
		return "", fmt.Errorf("building DAG: %w", err)
	}

	runID = uuid.NewString()
	now := time.Now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, repo, ref, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, repo, ref, RunStatusRunning, now,
	); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	for _, job := range wf.Jobs {
		payload, err := json.Marshal(JobPayload{Job: job})
		if err != nil {
			return "", fmt.Errorf("marshaling payload for job %q: %w", job.Name, err)
		}
		jobID := uuid.NewString()
		if _, err := tx.Exec(
			`INSERT INTO jobs (id, run_id, job_name, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			jobID, runID, job.Name, StatusQueued, payload, now,
		); err != nil {
			return "", fmt.Errorf("inserting job %q: %w", job.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run creation: %w", err)
	}
	return runID, nil
}

// LeaseJob atomically claims the oldest queued (or lease-expired) job and
// returns its id and payload. ok is false when no job is available, the
// HTTP layer turns that into a 204.
func (s *Store) LeaseJob(agentID string) (jobID string, payload []byte, ok bool, err error) {
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lease reclamation is lazy: an expired lease's job is still "leased"
	// from the jobs table's point of view, so reclaim it back to queued
	// before looking for work (spec.md §6, "expired leases are considered
	// returned to the queue").
	if _, err := tx.Exec(
		`UPDATE jobs SET status = ? WHERE status = ? AND id IN (
			SELECT job_id FROM leases WHERE expires_at < ?
		)`,
		StatusQueued, StatusLeased, now.Unix(),
	); err != nil {
		return "", nil, false, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM leases WHERE expires_at < ?`, now.Unix(),
	); err != nil {
		return "", nil, false, fmt.Errorf("clearing expired leases: %w", err)
	}

	row := tx.QueryRow(
		`SELECT id, payload FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		StatusQueued,
	)
	if err := row.Scan(&jobID, &payload); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("selecting queued job: %w", err)
	}

	expiresAt := now.Add(defaultLeaseTTL)
	if _, err := tx.Exec(
		`INSERT INTO leases (job_id, agent_id, leased_at, expires_at) VALUES (?, ?, ?, ?)`,
		jobID, agentID, now.Unix(), expiresAt.Unix(),
	); err != nil {
		return "", nil, false, fmt.Errorf("inserting lease: %w", err)
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, StatusLeased, jobID); err != nil {
		return "", nil, false, fmt.Errorf("marking job leased: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, false, fmt.Errorf("committing lease: %w", err)
	}
	return jobID, payload, true, nil
}

// CompleteJob records a leased job's terminal status and logs, and releases
// its lease. If every job for the run has reached a terminal status, the run
// itself is marked done.
func (s *Store) CompleteJob(jobID, status, logs string) error {
	switch status {
	case StatusOK, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("invalid completion status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	if err := tx.QueryRow(`SELECT run_id FROM jobs WHERE id = ?`, jobID).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %q not found", jobID)
		}
		return fmt.Errorf("looking up job %q: %w", jobID, err)
	}

	if _, err := tx.Exec(`UPDATE jobs SET status = ?, logs = ? WHERE id = ?`, status, logs, jobID); err != nil {
		return fmt.Errorf("updating job %q: %w", jobID, err)
	}
	if _, err := tx.Exec(`DELETE FROM leases WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("releasing lease for job %q: %w", jobID, err)
	}

	var remaining int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		runID, StatusOK, StatusFailed, StatusCancelled,
	).Scan(&remaining); err != nil {
		return fmt.Errorf("counting remaining jobs: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(`UPDATE runs SET status = ? WHERE id = ?`, RunStatusDone, runID); err != nil {
			return fmt.Errorf("finalizing run %q: %w", runID, err)
		}
	}

	return tx.Commit()
}
