// Package hashing computes the deterministic content digest a Job's Inputs
// glob set produces (spec.md §4.2). The digest depends only on path names and
// file contents, never on mtimes, permissions, or filesystem iteration
// order, so identical trees always produce identical digests.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultExclusions are skipped even when a glob would otherwise match them;
// noise that's never meaningful to a cache key.
var defaultExclusions = []string{
	".git/**",
	"**/__pycache__/**",
}

// Hash walks root, matching files against patterns (doublestar glob syntax,
// relative to root), and returns a hex-encoded SHA-256 digest over their
// paths and contents. Matches are sorted lexicographically by path before
// absorption so iteration order never affects the result.
func Hash(root string, patterns []string) (string, error) {
	fsys := os.DirFS(root)

	matched := make(map[string]bool)
	for _, pattern := range patterns {
		names, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return "", fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		for _, name := range names {
			if excluded(name) {
				continue
			}
			matched[name] = true
		}
	}

	paths := make([]string, 0, len(matched))
	for p := range matched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		info, err := os.Lstat(filepath.Join(root, p))
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := resolveSymlinkWithin(root, p)
			if err != nil {
				return "", err
			}
			if resolved == "" {
				target, err := os.Readlink(filepath.Join(root, p))
				if err != nil {
					return "", fmt.Errorf("reading symlink target %s: %w", p, err)
				}
				absorbLink(h, p, target)
				continue
			}
		}

		if err := absorb(h, p, filepath.Join(root, p)); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// absorb writes one length-prefixed path/content pair into h: path bytes,
// a separator, the content length as a fixed-width big-endian uint64, then
// the content itself. Length-prefixing rules out path/content concatenation
// ambiguity between adjacent entries.
func absorb(h io.Writer, path, fullPath string) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := h.Write([]byte(path)); err != nil {
		return err
	}
	if _, err := h.Write([]byte{0}); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(info.Size()))
	if _, err := h.Write(lenBuf[:]); err != nil {
		return err
	}

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// absorbLink writes a length-prefixed path/target pair into h for a symlink
// whose target escapes root: the link path and its textual target stand in
// for file content, since the target itself isn't ours to read (spec.md
// §4.2).
func absorbLink(h io.Writer, path, target string) {
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(target)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(target))
}

// resolveSymlinkWithin follows a symlink at root/rel and returns its
// relative path if the target stays within root, or "" if it escapes or
// does not exist (a dangling link cannot be followed).
func resolveSymlinkWithin(root, rel string) (string, error) {
	full := filepath.Join(root, rel)
	target, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("resolving symlink %s: %w", rel, err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || (len(relToRoot) >= 3 && relToRoot[:3] == "../") {
		return "", nil
	}
	return relToRoot, nil
}

func excluded(path string) bool {
	for _, pattern := range defaultExclusions {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
