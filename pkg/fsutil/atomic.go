// Package fsutil provides filesystem utilities for atomic replacement, syncing and copying.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TempPrefix marks in-flight temp files; anything left with this prefix is an orphan.
const TempPrefix = ".pipeguard-tmp-"

// Staged is a fully written and fsynced temp file waiting to replace its target.
type Staged struct {
	Path string
	done bool
}

// Stage writes data to a temp file in dir and fsyncs it. The caller must Commit or Discard.
func Stage(dir string, data []byte, perm os.FileMode) (*Staged, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("stage create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(step string, err error) (*Staged, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("stage %s: %w", step, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("stage close: %w", err)
	}
	return &Staged{Path: tmpPath}, nil
}

// Commit renames the staged file over target and fsyncs the parent directory.
func (s *Staged) Commit(target string) error {
	if s.done {
		return fmt.Errorf("staged file %s already finished", s.Path)
	}
	s.done = true
	if err := os.Rename(s.Path, target); err != nil {
		os.Remove(s.Path)
		return fmt.Errorf("commit rename: %w", err)
	}
	if err := FsyncDir(filepath.Dir(target)); err != nil {
		return fmt.Errorf("commit fsync dir: %w", err)
	}
	return nil
}

// Discard removes the staged file. Safe to call after Commit.
func (s *Staged) Discard() {
	if s.done {
		return
	}
	s.done = true
	os.Remove(s.Path)
}

// AtomicWrite writes data to a temporary file, fsyncs, then renames to target path.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	staged, err := Stage(filepath.Dir(path), data, perm)
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := staged.Commit(path); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	return nil
}

// FsyncDir fsyncs a directory to ensure rename visibility is durable.
func FsyncDir(dirPath string) error {
	d, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer d.Close()
	return d.Sync()
}

// CopyFile copies src to dst atomically, preserving the mode bits.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	return AtomicWrite(dst, data, info.Mode().Perm())
}

// CopyTree recursively copies a file or directory. Symlinks are recreated, not followed.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
			return nil
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case strings.HasPrefix(info.Name(), TempPrefix):
			return nil
		default:
			return CopyFile(path, target)
		}
	})
}

// RemoveOrphanTemps deletes TempPrefix files under root last modified more
// than minAge ago and returns the removed paths. Younger files may belong to a
// writer that is still inside its critical section.
func RemoveOrphanTemps(root string, minAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-minAge)
	var removed []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !isOrphanTemp(info, cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}

// FindOrphanTemps lists the files RemoveOrphanTemps would remove.
func FindOrphanTemps(root string, minAge time.Duration) []string {
	cutoff := time.Now().Add(-minAge)
	var found []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if isOrphanTemp(info, cutoff) {
			found = append(found, path)
		}
		return nil
	})
	return found
}

func isOrphanTemp(info os.FileInfo, cutoff time.Time) bool {
	return !info.IsDir() && strings.HasPrefix(info.Name(), TempPrefix) && info.ModTime().Before(cutoff)
}

// Exists reports whether path exists, without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
