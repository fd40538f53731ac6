package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-ci/ratchet/internal/cachestore"
	"github.com/ratchet-ci/ratchet/internal/dag"
	"github.com/ratchet-ci/ratchet/internal/runplan"
	"github.com/ratchet-ci/ratchet/internal/scheduler"
	"github.com/ratchet-ci/ratchet/internal/selector"
	"github.com/ratchet-ci/ratchet/internal/stepexec"
	"github.com/ratchet-ci/ratchet/internal/toolversion"
	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// Client is the polling-agent side of the coordination plane: it leases one
// job at a time from a coordinator Server and executes it through the same
// Scheduler a local invocation uses (spec.md §1, §6). The coordinator leases
// jobs oldest-first without regard to needs, so jobs of one run may execute
// on different agents in any order.
type Client struct {
	BaseURL       string
	AgentID       string
	WorkspaceRoot string
	Cache         *cachestore.Store
	ToolResolver  toolversion.Resolver
	HTTPClient    *http.Client
}

// NewClient builds a Client with a generated agent id and a sane default
// HTTP timeout.
func NewClient(baseURL, workspaceRoot string, cache *cachestore.Store) *Client {
	return &Client{
		BaseURL:       baseURL,
		AgentID:       uuid.NewString(),
		WorkspaceRoot: workspaceRoot,
		Cache:         cache,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateRun registers a new run with the coordinator and returns its id.
func (c *Client) CreateRun(ctx context.Context, repo, ref string, workflowBytes []byte) (string, error) {
	var resp createRunResponse
	if err := c.post(ctx, "/runs", createRunRequest{
		Repo:          repo,
		Ref:           ref,
		WorkflowBytes: string(workflowBytes),
	}, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// PollOnce leases one job, executes it, and reports completion. It returns
// (false, nil) when the coordinator had no job to offer, so a caller can
// distinguish "idle, try again later" from a real error.
func (c *Client) PollOnce(ctx context.Context) (leased bool, err error) {
	jobID, payload, ok, err := c.lease(ctx)
	if err != nil {
		return false, fmt.Errorf("leasing job: %w", err)
	}
	if !ok {
		return false, nil
	}

	var jp JobPayload
	if err := json.Unmarshal(payload, &jp); err != nil {
		_ = c.complete(ctx, jobID, StatusFailed, fmt.Sprintf("decoding payload: %v", err))
		return true, fmt.Errorf("decoding leased payload: %w", err)
	}

	result, err := c.execute(ctx, jp.Job)
	if err != nil {
		_ = c.complete(ctx, jobID, StatusFailed, err.Error())
		return true, fmt.Errorf("executing job %q: %w", jp.Job.Name, err)
	}

	status := StatusOK
	logs := fmt.Sprintf("status=%s cacheKey=%s", result.Status, result.CacheKey)
	switch result.Status {
	case runplan.StatusFailed:
		status = StatusFailed
		logs = fmt.Sprintf("failing step=%s: %v", result.FailingStep, result.Err)
	case runplan.StatusCancelled:
		status = StatusCancelled
		logs = fmt.Sprintf("cancelled: %v", result.Err)
	}

	if err := c.complete(ctx, jobID, status, logs); err != nil {
		return true, fmt.Errorf("reporting completion for job %q: %w", jp.Job.Name, err)
	}
	return true, nil
}

// execute runs a single leased job through a one-job Scheduler, reusing the
// exact cache-lookup-then-steps-then-store path a local run takes.
func (c *Client) execute(ctx context.Context, job workflow.Job) (runplan.JobResult, error) {
	// The other jobs of the run are not part of this one-job graph, so its
	// needs would not resolve; they are dropped here.
	job.Needs = nil
	wf := &workflow.Workflow{Jobs: []workflow.Job{job}}
	g, err := dag.Build(wf)
	if err != nil {
		return runplan.JobResult{}, fmt.Errorf("building single-job graph: %w", err)
	}

	sched := &scheduler.Scheduler{
		Graph:         g,
		Decisions:     map[string]selector.Decision{job.Name: {Job: job.Name, Selected: true}},
		Cache:         c.Cache,
		Executors:     stepexec.NewRegistry(),
		ToolResolver:  c.ToolResolver,
		WorkspaceRoot: c.WorkspaceRoot,
		Workers:       1,
	}

	result, err := sched.Run(ctx)
	if err != nil {
		return runplan.JobResult{}, err
	}
	return result.Results[job.Name], nil
}

func (c *Client) lease(ctx context.Context) (jobID string, payload json.RawMessage, ok bool, err error) {
	req, err := c.newRequest(ctx, "/jobs/lease", leaseRequest{AgentID: c.AgentID})
	if err != nil {
		return "", nil, false, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, false, fmt.Errorf("lease failed: %s", describeError(resp))
	}

	var lr leaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", nil, false, fmt.Errorf("decoding lease response: %w", err)
	}
	return lr.JobID, lr.Payload, true, nil
}

func (c *Client) complete(ctx context.Context, jobID, status, logs string) error {
	return c.post(ctx, "/jobs/"+jobID+"/complete", completeRequest{Status: status, Logs: logs}, http.StatusNoContent, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, wantStatus int, out any) error {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s failed: %s", path, describeError(resp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func describeError(resp *http.Response) string {
	var er errorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, er.Error)
	}
	return resp.Status
}
