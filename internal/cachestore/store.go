// Package cachestore implements the content-addressed Cache Store (spec.md
// §4.3): entries are written atomically (temp file, fsync, rename), keyed by
// job name and cache key, and pruned per job namespace under a file-based
// advisory lock so concurrent prunes of the same job never interleave.
// Retention is per job namespace only: there is no global size or entry cap
// across jobs; bounding the cache root as a whole is left to the operator.
package cachestore

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nightlyone/lockfile"

	"github.com/ratchet-ci/ratchet/internal/enginerr"
)

const (
	lockRetryAttempts = 3
	lockRetryDelay    = 100 * time.Millisecond

	archiveExt  = ".tar.gz"
	metaExt     = ".meta.json"
	corruptExt  = ".corrupt"
	lockFileFmt = ".ratchet-%s.lock"
)

// Meta is the sidecar JSON recorded alongside each archive.
type Meta struct {
	Job       string    `json:"job"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a content-addressed cache rooted at Root, laid out as
// Root/<job>/<key>.tar.gz + Root/<job>/<key>.meta.json.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	// #nosec G301 - cache directory is owner-only
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", root, err)
	}
	return &Store{Root: root}, nil
}

func (s *Store) jobDir(job string) string {
	return filepath.Join(s.Root, job)
}

func (s *Store) archivePath(job, key string) string {
	return filepath.Join(s.jobDir(job), key+archiveExt)
}

func (s *Store) metaPath(job, key string) string {
	return filepath.Join(s.jobDir(job), key+metaExt)
}

// Lookup reports whether a valid (non-corrupt) entry exists for job/key. An
// IOError while stat'ing the entry quarantines it (spec.md §7: a lookup
// error is treated as a miss, never as a reason to fail the job) — callers
// should treat a non-nil error the same as (false, nil).
func (s *Store) Lookup(job, key string) (bool, error) {
	archive := s.archivePath(job, key)
	meta := s.metaPath(job, key)

	if _, err := os.Stat(archive); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		s.quarantineEntry(job, key)
		return false, fmt.Errorf("checking cache entry %s/%s: %w", job, key, err)
	}
	if _, err := os.Stat(meta); err != nil {
		if os.IsNotExist(err) {
			// Archive without metadata is treated as absent rather than
			// corrupt: the usual cause is a half-written Store that never
			// reached rename.
			return false, nil
		}
		s.quarantineEntry(job, key)
		return false, fmt.Errorf("checking cache entry metadata %s/%s: %w", job, key, err)
	}
	return true, nil
}

func (s *Store) quarantineEntry(job, key string) {
	quarantine(s.archivePath(job, key))
	quarantine(s.metaPath(job, key))
}

// Store writes a new cache entry for job/key, archiving the given source
// directories (paths relative to workspaceRoot). Writes to a temp file in
// the same directory, fsyncs, then renames into place, so a concurrent
// Lookup/Restore never observes a partially written entry.
func (s *Store) Store(job, key, workspaceRoot string, dirs []string) error {
	dir := s.jobDir(job)
	// #nosec G301 - cache directory is owner-only
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating job cache dir %s: %w", job, err)
	}

	tmpArchive, err := os.CreateTemp(dir, "tmp-*"+archiveExt)
	if err != nil {
		return fmt.Errorf("creating temp archive for %s/%s: %w", job, key, err)
	}
	tmpPath := tmpArchive.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if err := writeArchive(tmpArchive, workspaceRoot, dirs); err != nil {
		_ = tmpArchive.Close()
		return fmt.Errorf("writing archive for %s/%s: %w", job, key, err)
	}
	if err := tmpArchive.Sync(); err != nil {
		_ = tmpArchive.Close()
		return fmt.Errorf("syncing archive for %s/%s: %w", job, key, err)
	}
	if err := tmpArchive.Close(); err != nil {
		return fmt.Errorf("closing archive for %s/%s: %w", job, key, err)
	}

	meta := Meta{Job: job, Key: key, CreatedAt: time.Now().UTC()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %s/%s: %w", job, key, err)
	}
	tmpMeta, err := os.CreateTemp(dir, "tmp-*"+metaExt)
	if err != nil {
		return fmt.Errorf("creating temp metadata for %s/%s: %w", job, key, err)
	}
	tmpMetaPath := tmpMeta.Name()
	defer func() {
		_ = os.Remove(tmpMetaPath)
	}()
	if _, err := tmpMeta.Write(metaBytes); err != nil {
		_ = tmpMeta.Close()
		return fmt.Errorf("writing metadata for %s/%s: %w", job, key, err)
	}
	if err := tmpMeta.Sync(); err != nil {
		_ = tmpMeta.Close()
		return fmt.Errorf("syncing metadata for %s/%s: %w", job, key, err)
	}
	if err := tmpMeta.Close(); err != nil {
		return fmt.Errorf("closing metadata for %s/%s: %w", job, key, err)
	}

	// Archive first, then metadata: Lookup treats an archive with no
	// metadata as absent, never as corrupt, so a crash between the two
	// renames is always recoverable as a clean miss.
	if err := os.Rename(tmpPath, s.archivePath(job, key)); err != nil {
		return fmt.Errorf("finalizing archive for %s/%s: %w", job, key, err)
	}
	if err := os.Rename(tmpMetaPath, s.metaPath(job, key)); err != nil {
		return fmt.Errorf("finalizing metadata for %s/%s: %w", job, key, err)
	}
	return nil
}

// Restore extracts the archive for job/key into destRoot. Quarantines the
// archive (renaming it aside with a .corrupt suffix) and returns a
// CorruptEntryError if the archive fails to read; callers should treat
// this the same as a cache miss, per spec.md §7.
func (s *Store) Restore(job, key, destRoot string) error {
	archive := s.archivePath(job, key)

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening cache entry %s/%s: %w", job, key, err)
	}
	defer f.Close()

	if err := extractArchive(f, destRoot); err != nil {
		s.quarantineEntry(job, key)
		return &enginerr.CorruptEntryError{Job: job, Key: key, Cause: err}
	}
	return nil
}

// Prune removes all but the keep most-recently-created entries in job's
// namespace, under a per-job advisory lock so two concurrent prunes of the
// same job never interleave. Store does not take this lock.
func (s *Store) Prune(job string, keep int) error {
	dir := s.jobDir(job)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	lockPath := filepath.Join(dir, fmt.Sprintf(lockFileFmt, "prune"))
	lock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("creating prune lock for job %s: %w", job, err)
	}
	if err := tryLockWithRetry(lock); err != nil {
		return fmt.Errorf("acquiring prune lock for job %s: %w", job, err)
	}
	defer unlockWithLogging(lock, job)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing cache entries for job %s: %w", job, err)
	}

	type entry struct {
		key       string
		createdAt time.Time
	}
	var metas []entry
	for _, de := range entries {
		name := de.Name()
		if filepath.Ext(name) != ".json" || !hasMetaSuffix(name) {
			continue
		}
		key := name[:len(name)-len(metaExt)]
		m, err := readMeta(filepath.Join(dir, name))
		if err != nil {
			continue // unreadable metadata: leave it, don't fail the whole prune
		}
		metas = append(metas, entry{key: key, createdAt: m.CreatedAt})
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].createdAt.After(metas[j].createdAt) })

	if keep < 0 {
		keep = 0
	}
	if len(metas) <= keep {
		return nil
	}

	for _, m := range metas[keep:] {
		_ = os.Remove(filepath.Join(dir, m.key+archiveExt))
		_ = os.Remove(filepath.Join(dir, m.key+metaExt))
	}
	return nil
}

func hasMetaSuffix(name string) bool {
	return len(name) > len(metaExt) && name[len(name)-len(metaExt):] == metaExt
}

func readMeta(path string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func quarantine(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = os.Rename(path, path+corruptExt)
}

func tryLockWithRetry(lock lockfile.Lockfile) error {
	var lastErr error
	for i := 0; i < lockRetryAttempts; i++ {
		lastErr = lock.TryLock()
		if lastErr == nil {
			return nil
		}
		if te, ok := lastErr.(interface{ Temporary() bool }); ok && te.Temporary() {
			if lastErr == lockfile.ErrBusy {
				return lastErr
			}
			time.Sleep(lockRetryDelay)
			continue
		}
		return lastErr
	}
	return lastErr
}

func unlockWithLogging(lock lockfile.Lockfile, job string) {
	if err := lock.Unlock(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to unlock prune lock for job %s: %v\n", job, err)
	}
}

// writeArchive tars and gzips dirs (paths relative to workspaceRoot, may be
// files or directories, including empty directories) into w.
func writeArchive(w io.Writer, workspaceRoot string, dirs []string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	for _, rel := range dirs {
		full := filepath.Join(workspaceRoot, rel)
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue // a declared cache dir that was never produced is not an error
			}
			return err
		}

		if !info.IsDir() {
			if err := addFileToTar(tw, full, rel); err != nil {
				return err
			}
			continue
		}

		empty := true
		err = filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			relPath, err := filepath.Rel(workspaceRoot, path)
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != full {
					empty = false
				}
				return addDirToTar(tw, path, relPath)
			}
			empty = false
			return addFileToTar(tw, path, relPath)
		})
		if err != nil {
			return err
		}
		if empty {
			if err := addDirToTar(tw, full, rel); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func addDirToTar(tw *tar.Writer, fullPath, relPath string) error {
	info, err := os.Stat(fullPath)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(relPath) + "/"
	return tw.WriteHeader(hdr)
}

func addFileToTar(tw *tar.Writer, fullPath, relPath string) error {
	info, err := os.Stat(fullPath)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(relPath)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// extractArchive reverses writeArchive into destRoot, rejecting any entry
// whose name would escape destRoot.
func extractArchive(r io.Reader, destRoot string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(destRoot, hdr.Name)
		relCheck, err := filepath.Rel(destRoot, target)
		if err != nil || relCheck == ".." || (len(relCheck) >= 3 && relCheck[:3] == "../") {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			// #nosec G301 - restored cache content, owner-only
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			// #nosec G304 - target is validated above to stay within destRoot
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil { // #nosec G110 - archive is self-produced, not attacker data
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// ignore symlinks and other special entries; writeArchive never
			// produces them
		}
	}
}
