// Package toolversion resolves the version string of a named tool for
// inclusion in a job's cache key (spec.md §4.7, §9, abstracted as an
// interface so the resolution strategy can be swapped without touching the
// Key Deriver).
package toolversion

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Resolver resolves a tool name (e.g. "go", "node") to its installed
// version string.
type Resolver interface {
	Resolve(ctx context.Context, tool string) (string, error)
}

// ExecResolver runs "<tool> --version" and takes the first line of output
// as the version string, caching results for the lifetime of the resolver
// (same per-run-stable caching posture as a repo-fact cache: a tool's
// installed version cannot change mid-run).
type ExecResolver struct {
	cache sync.Map // tool name -> resolved version string
}

// NewExecResolver returns a ready-to-use ExecResolver.
func NewExecResolver() *ExecResolver {
	return &ExecResolver{}
}

// Resolve implements Resolver.
func (r *ExecResolver) Resolve(ctx context.Context, tool string) (string, error) {
	if cached, ok := r.cache.Load(tool); ok {
		return cached.(string), nil
	}

	// #nosec G204 - tool names come from workflow job.Requires, engine-controlled config, not raw external input
	cmd := exec.CommandContext(ctx, tool, "--version")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolving version for %q: %w", tool, err)
	}

	version := firstLine(out)
	r.cache.Store(tool, version)
	return version, nil
}

func firstLine(b []byte) string {
	scanner := bufio.NewScanner(strings.NewReader(string(b)))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// ResolveAll resolves every tool name in tools, returning a map suitable for
// cachekey.Inputs.ToolVersions. A resolution failure for one tool does not
// abort the others; it's recorded as an empty string, which the Key
// Deriver treats as an absent-version sentinel.
func ResolveAll(ctx context.Context, r Resolver, tools []string) map[string]string {
	out := make(map[string]string, len(tools))
	for _, tool := range tools {
		version, err := r.Resolve(ctx, tool)
		if err != nil {
			out[tool] = ""
			continue
		}
		out[tool] = version
	}
	return out
}
