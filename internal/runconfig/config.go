// Package runconfig holds the engine invocation configuration (spec.md
// §6): workflow path, cache root, worker count, selector mode, and compare
// ref, validated up front with environment-variable overrides for values an
// operator might want to tune without editing a command line.
package runconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ratchet-ci/ratchet/internal/selector"
)

const (
	// WorkersEnv overrides the worker pool size.
	WorkersEnv = "RATCHET_WORKERS"
	// CacheRootEnv overrides the cache store's root directory.
	CacheRootEnv = "RATCHET_CACHE_ROOT"

	defaultCacheDirName = ".ratchet-cache"
)

// Config is the validated configuration for one engine invocation.
type Config struct {
	RepoRoot     string
	WorkflowPath string
	CacheRoot    string
	Workers      int
	Mode         selector.Mode
	CompareRef   string
}

// Validate checks required fields, fills in defaults, and applies
// environment overrides. A relative WorkflowPath is resolved against
// RepoRoot, and a WorkflowPath that escapes RepoRoot is rejected; CacheRoot
// may lie anywhere.
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("RepoRoot is required")
	}
	if c.WorkflowPath == "" {
		return fmt.Errorf("WorkflowPath is required")
	}

	absRepo, err := filepath.Abs(c.RepoRoot)
	if err != nil {
		return fmt.Errorf("resolving RepoRoot: %w", err)
	}
	c.RepoRoot = absRepo

	if !filepath.IsAbs(c.WorkflowPath) {
		c.WorkflowPath = filepath.Join(absRepo, c.WorkflowPath)
	}
	if err := requireWithin(absRepo, c.WorkflowPath, "WorkflowPath"); err != nil {
		return err
	}

	if c.CacheRoot == "" {
		c.CacheRoot = envOr(CacheRootEnv, filepath.Join(absRepo, defaultCacheDirName))
	}
	absCache, err := filepath.Abs(c.CacheRoot)
	if err != nil {
		return fmt.Errorf("resolving CacheRoot: %w", err)
	}
	c.CacheRoot = absCache

	if c.Workers == 0 {
		c.Workers = workersFromEnv()
	}
	if c.Workers < 1 {
		return fmt.Errorf("Workers must be at least 1, got %d", c.Workers)
	}

	switch c.Mode {
	case "":
		c.Mode = selector.ModeAll
	case selector.ModeAll, selector.ModeDiff:
		// valid
	default:
		return fmt.Errorf("invalid Mode %q: must be %q or %q", c.Mode, selector.ModeAll, selector.ModeDiff)
	}

	if c.Mode == selector.ModeDiff && c.CompareRef == "" {
		return fmt.Errorf("CompareRef is required when Mode is %q", selector.ModeDiff)
	}

	return nil
}

func requireWithin(root, path, field string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", field, err)
	}
	relPath, err := filepath.Rel(root, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s must be within RepoRoot", field)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// workersFromEnv reads RATCHET_WORKERS, falling back to (CPU count - 1)
// clamped to at least 1, printing a warning and falling back on an invalid
// value rather than failing the run.
func workersFromEnv() int {
	def := runtime.NumCPU() - 1
	if def < 1 {
		def = 1
	}

	raw := os.Getenv(WorkersEnv)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s value %q, using default %d\n", WorkersEnv, raw, def)
		return def
	}
	return n
}
