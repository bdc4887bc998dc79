package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/model"
	"github.com/jvs-project/pipeguard/pkg/pathutil"
)

const (
	backupPrefix = "state-"
	backupSuffix = ".json"
	// Sorts lexically in time order.
	backupTimeLayout = "20060102T150405.000000000Z"
)

// Backup copies the live document into the backups directory.
func (s *Store) Backup(ctx context.Context, reason string) (*model.Backup, error) {
	var b *model.Backup
	err := s.WithLock(ctx, func(tx *Tx) error {
		var err error
		b, err = tx.Backup(reason)
		return err
	})
	return b, err
}

// Backup copies the live document. It fails with ErrDependencyMissing if there is none.
func (tx *Tx) Backup(reason string) (*model.Backup, error) {
	s := tx.s
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrDependencyMissing.WithMessage("no state file to back up")
		}
		return nil, ioErr("stat state", err)
	}
	if err := os.MkdirAll(s.backupsDir, 0755); err != nil {
		return nil, ioErr("create backups dir", err)
	}

	label := pathutil.Sanitize(reason)
	if reason == "" {
		label = "manual"
	}
	now := s.now().UTC()
	name := backupName(now, label)
	for i := 2; ; i++ {
		if _, err := os.Lstat(filepath.Join(s.backupsDir, name)); os.IsNotExist(err) {
			break
		}
		name = backupName(now, fmt.Sprintf("%s_%d", label, i))
	}

	path := filepath.Join(s.backupsDir, name)
	if err := fsutil.CopyFile(s.path, path); err != nil {
		return nil, ioErr("copy state to backup", err)
	}
	s.log.Debug("state backed up", map[string]any{"backup": name})
	return &model.Backup{Name: name, Path: path, Reason: label, CreatedAt: now, Size: info.Size()}, nil
}

// ListBackups returns the backups newest first.
func (s *Store) ListBackups() ([]model.Backup, error) {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("read backups dir", err)
	}
	var out []model.Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, reason, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		b := model.Backup{
			Name:      e.Name(),
			Path:      filepath.Join(s.backupsDir, e.Name()),
			Reason:    reason,
			CreatedAt: created,
		}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// prune keeps the newest keep backups and drops anything older than maxAge.
// The two rules apply independently.
func (tx *Tx) prune() error {
	s := tx.s
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.maxAge)
	var firstErr error
	for i, b := range backups {
		if i < s.keep && b.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove backup %s: %w", b.Name, err)
		}
	}
	return firstErr
}

func backupName(t time.Time, label string) string {
	return backupPrefix + t.Format(backupTimeLayout) + "-" + label + backupSuffix
}

func parseBackupName(name string) (time.Time, string, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, "", false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	ts, reason, _ := strings.Cut(body, "-")
	t, err := time.Parse(backupTimeLayout, ts)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, reason, true
}
