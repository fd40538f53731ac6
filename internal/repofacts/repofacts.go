// Package repofacts gathers the small set of facts the engine needs about the
// repository it's running in: HEAD, dirty status, current ref, changed paths
// relative to a compare ref, and remote URL. Gather snapshots every fact but
// the remote URL once, up front; the engine never re-queries git mid-run
// (spec.md §4.1: side-effect free, single snapshot). The remote URL is
// queried on demand through RemoteURL.
package repofacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
)

// Facts is a snapshot of repository state taken once at engine startup.
type Facts struct {
	Root         string
	Head         string
	Dirty        bool
	CurrentRef   string
	ChangedPaths []string
}

// Gather snapshots repository facts rooted at dir, diffing against
// compareRef to produce ChangedPaths. An empty compareRef skips the diff
// (ChangedPaths is nil); callers that only need all-mode selection can pass
// "".
func Gather(ctx context.Context, dir, compareRef string) (*Facts, error) {
	root, err := repoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}

	// HEAD, dirty status, current ref, and the changed-paths diff are
	// independent git invocations against the same root: fan them out
	// instead of running one subprocess at a time.
	var head, ref string
	var dirty bool
	var changed []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		head, err = currentCommitSHA(gctx, root)
		return err
	})
	g.Go(func() error {
		var err error
		dirty, err = isDirty(gctx, root)
		return err
	})
	g.Go(func() error {
		var err error
		ref, err = currentRef(gctx, root)
		return err
	})
	if compareRef != "" {
		g.Go(func() error {
			var err error
			changed, err = changedPaths(gctx, root, compareRef)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Facts{
		Root:         root,
		Head:         head,
		Dirty:        dirty,
		CurrentRef:   ref,
		ChangedPaths: changed,
	}, nil
}

// RemoteURL returns the URL configured for the named remote ("origin" in the
// common case), or "" if no such remote is configured.
func RemoteURL(ctx context.Context, root, remote string) (string, error) {
	out, err := runGit(ctx, root, "remote", "get-url", remote)
	if err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			return "", nil
		}
		return "", fmt.Errorf("resolving remote %q: %w", remote, err)
	}
	return strings.TrimSpace(out), nil
}

func repoRoot(ctx context.Context, dir string) (string, error) {
	out, err := runGitIn(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %v", enginerr.NotARepository, err)
	}
	return strings.TrimSpace(out), nil
}

func currentCommitSHA(ctx context.Context, root string) (string, error) {
	out, err := runGit(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func isDirty(ctx context.Context, root string) (bool, error) {
	out, err := runGit(ctx, root, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking working tree status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func currentRef(ctx context.Context, root string) (string, error) {
	out, err := runGit(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current ref: %w", err)
	}
	ref := strings.TrimSpace(out)
	if ref == "HEAD" {
		// Detached HEAD: fall back to the commit SHA as the ref name.
		return currentCommitSHA(ctx, root)
	}
	return ref, nil
}

// changedPaths returns the set of paths that differ between the merge-base
// of HEAD and compareRef and the working tree (including uncommitted and
// untracked files), matching the semantics the Selector expects for
// diff-mode job selection (spec.md §4.1, §4.5).
func changedPaths(ctx context.Context, root, compareRef string) ([]string, error) {
	if _, err := runGit(ctx, root, "rev-parse", "--verify", compareRef); err != nil {
		return nil, &enginerr.UnknownRefError{Ref: compareRef}
	}

	baseOut, err := runGit(ctx, root, "merge-base", "HEAD", compareRef)
	if err != nil {
		return nil, fmt.Errorf("finding merge base with %q: %w", compareRef, err)
	}
	base := strings.TrimSpace(baseOut)

	diffOut, err := runGit(ctx, root, "diff", "--name-only", base, "--")
	if err != nil {
		return nil, fmt.Errorf("diffing against %q: %w", compareRef, err)
	}

	untrackedOut, err := runGit(ctx, root, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("listing untracked files: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, out := range []string{diffOut, untrackedOut} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			paths = append(paths, line)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func runGit(ctx context.Context, root string, args ...string) (string, error) {
	return runGitIn(ctx, root, args...)
}

// runGitIn runs git with a safe, allowlisted environment, never inheriting
// GIT_* variables or running repo-local hooks.
func runGitIn(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "core.hooksPath=/dev/null"}, args...)
	// #nosec G204 - dir and args are engine-controlled, not raw user input
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = safeGitEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return "", err
	}
	return stdout.String(), nil
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// safeGitEnv builds an allowlisted environment for git subprocesses: only
// the variables git genuinely needs (PATH, HOME, locale, terminal) plus
// overrides that disable system/global config, credential prompts, and
// hooks. No GIT_* variable is inherited from the parent environment.
func safeGitEnv() []string {
	essentialVars := []string{
		"PATH", "HOME", "USER", "TMPDIR", "TEMP", "TMP",
		"LANG", "LC_ALL", "LC_CTYPE", "SHELL", "TERM",
	}

	env := make([]string, 0, len(essentialVars)+8)
	for _, key := range essentialVars {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	env = append(env,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes -o StrictHostKeyChecking=accept-new",
		"GIT_ASKPASS=/bin/true",
		"GIT_EDITOR=/bin/true",
		"GIT_PAGER=cat",
		"GIT_ATTR_NOSYSTEM=1",
	)
	return env
}
