// Package checkpoint takes named point-in-time snapshots of the state document
// and its auxiliary artifacts, and restores them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/jsonutil"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
	"github.com/jvs-project/pipeguard/pkg/pathutil"
)

// LockName is the lock held while checkpoints are created, restored or removed.
const LockName = "checkpoint"

const (
	metaFile     = "checkpoint.json"
	stateFile    = "state.json"
	artifactsDir = "artifacts"
)

// Options tunes a Manager.
type Options struct {
	LockTimeout time.Duration
	// Artifacts are paths relative to .pipeguard copied into every checkpoint.
	Artifacts []string
	Logger    *logging.Logger
	Audit     audit.Appender
	Now       func() time.Time
}

// Manager creates and restores checkpoints under .pipeguard/checkpoints.
type Manager struct {
	dir       string
	base      string
	store     *state.Store
	locks     *lock.Manager
	timeout   time.Duration
	artifacts []string
	log       *logging.Logger
	audit     audit.Appender
	now       func() time.Time
}

// NewManager creates a checkpoint manager for r that captures state through store.
func NewManager(r *repo.Repo, store *state.Store, opts Options) *Manager {
	m := &Manager{
		dir:       r.CheckpointsDir(),
		base:      r.Dir(),
		store:     store,
		locks:     store.Locks(),
		timeout:   opts.LockTimeout,
		artifacts: opts.Artifacts,
		log:       opts.Logger,
		audit:     opts.Audit,
		now:       opts.Now,
	}
	if m.timeout <= 0 {
		m.timeout = state.DefaultLockTimeout
	}
	if m.log == nil {
		m.log = logging.Global()
	}
	m.log = m.log.Component("checkpoint")
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) withLock(ctx context.Context, fn func() error) (err error) {
	rec, err := m.locks.Acquire(ctx, LockName, m.timeout, model.LockExclusive, map[string]string{"component": "checkpoint"})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.locks.Release(LockName, rec.OwnerToken); relErr != nil {
			m.log.ErrorErr("release checkpoint lock", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()
	return fn()
}

// Create captures the current state and artifacts. An empty phase records the
// phase of the captured state.
func (m *Manager) Create(ctx context.Context, operation, phase string, metadata map[string]any) (*model.Checkpoint, error) {
	if err := pathutil.ValidateName(operation); err != nil {
		return nil, err
	}
	var cp *model.Checkpoint
	err := m.withLock(ctx, func() error {
		var err error
		cp, err = m.create(ctx, operation, phase, metadata)
		return err
	})
	return cp, err
}

func (m *Manager) create(ctx context.Context, operation, phase string, metadata map[string]any) (*model.Checkpoint, error) {
	doc, err := m.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}
	if phase == "" {
		phase = doc.Phase
	}

	now := m.now().UTC()
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, ioErr("create checkpoints dir", err)
	}
	var id model.CheckpointID
	var dir string
	for {
		id = model.NewCheckpointID(now, operation)
		dir = filepath.Join(m.dir, string(id))
		if err := os.Mkdir(dir, 0755); err == nil {
			break
		} else if !os.IsExist(err) {
			return nil, ioErr("create checkpoint dir", err)
		}
	}

	cp, err := m.capture(dir, id, doc, operation, phase, metadata, now)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.log.Info("checkpoint created", map[string]any{"id": string(id), "operation": operation, "phase": phase})
	if err := m.audit.Append(model.EventTypeCheckpointCreate, string(id), map[string]any{
		"operation": operation,
		"phase":     phase,
	}); err != nil {
		m.log.WarnErr("audit checkpoint create", err)
	}
	return cp, nil
}

func (m *Manager) capture(dir string, id model.CheckpointID, doc *model.StateDocument, operation, phase string, metadata map[string]any, now time.Time) (*model.Checkpoint, error) {
	stateData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if err := fsutil.AtomicWrite(filepath.Join(dir, stateFile), stateData, 0644); err != nil {
		return nil, ioErr("write checkpoint state", err)
	}
	digest, err := jsonutil.Digest(json.RawMessage(stateData))
	if err != nil {
		return nil, fmt.Errorf("digest state: %w", err)
	}

	var saved []string
	for _, rel := range m.artifacts {
		src := filepath.Join(m.base, rel)
		if _, err := os.Lstat(src); os.IsNotExist(err) {
			continue
		}
		if err := fsutil.CopyTree(src, filepath.Join(dir, artifactsDir, rel)); err != nil {
			return nil, ioErr("copy artifact "+rel, err)
		}
		saved = append(saved, rel)
	}

	cp := &model.Checkpoint{
		ID:          id,
		Operation:   operation,
		Phase:       phase,
		Timestamp:   now,
		Owner:       currentOwner(),
		Metadata:    metadata,
		StateDigest: digest,
		Artifacts:   saved,
	}
	cp.Host, _ = os.Hostname()

	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	// Written last: its presence marks the checkpoint complete.
	if err := fsutil.AtomicWrite(filepath.Join(dir, metaFile), meta, 0644); err != nil {
		return nil, ioErr("write checkpoint metadata", err)
	}
	return cp, nil
}

// Get loads one checkpoint's metadata record.
func (m *Manager) Get(id model.CheckpointID) (*model.Checkpoint, error) {
	if err := pathutil.ValidateName(string(id)); err != nil {
		return nil, errclass.ErrCheckpointNotFound.WithMessagef("invalid checkpoint id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, string(id), metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrCheckpointNotFound.WithMessagef("checkpoint %s not found", id)
		}
		return nil, ioErr("read checkpoint", err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errclass.ErrCheckpointInvalid.WithMessagef("checkpoint %s metadata: %v", id, err)
	}
	if cp.ID != id {
		return nil, errclass.ErrCheckpointInvalid.WithMessagef("checkpoint %s records id %s", id, cp.ID)
	}
	return &cp, nil
}

// List returns complete checkpoints, newest first.
func (m *Manager) List() ([]*model.Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("read checkpoints dir", err)
	}
	var out []*model.Checkpoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := m.Get(model.CheckpointID(e.Name()))
		if err != nil {
			m.log.Debug("skipping checkpoint", map[string]any{"id": e.Name(), "error": err.Error()})
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Latest returns the newest checkpoint of operation, or of any operation when it is empty.
func (m *Manager) Latest(operation string) (*model.Checkpoint, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, cp := range all {
		if operation == "" || cp.Operation == operation {
			return cp, nil
		}
	}
	return nil, errclass.ErrCheckpointNotFound.WithMessage("no checkpoint available")
}

// Delete removes one checkpoint.
func (m *Manager) Delete(ctx context.Context, id model.CheckpointID) error {
	return m.withLock(ctx, func() error {
		if _, err := m.Get(id); err != nil && !errors.Is(err, errclass.ErrCheckpointInvalid) {
			return err
		}
		return m.remove(id, "delete")
	})
}

// Cleanup deletes checkpoints older than retention, including incomplete ones.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) ([]model.CheckpointID, error) {
	var removed []model.CheckpointID
	err := m.withLock(ctx, func() error {
		entries, err := os.ReadDir(m.dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return ioErr("read checkpoints dir", err)
		}
		cutoff := m.now().Add(-retention)
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := model.CheckpointID(e.Name())
			created, ok := m.createdAt(id, e)
			if !ok || created.After(cutoff) {
				continue
			}
			if err := m.remove(id, "cleanup"); err != nil {
				return err
			}
			removed = append(removed, id)
		}
		return nil
	})
	return removed, err
}

func (m *Manager) createdAt(id model.CheckpointID, e os.DirEntry) (time.Time, bool) {
	if cp, err := m.Get(id); err == nil {
		return cp.Timestamp, true
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (m *Manager) remove(id model.CheckpointID, reason string) error {
	if err := os.RemoveAll(filepath.Join(m.dir, string(id))); err != nil {
		return ioErr("remove checkpoint", err)
	}
	m.log.Info("checkpoint removed", map[string]any{"id": string(id), "reason": reason})
	if err := m.audit.Append(model.EventTypeCheckpointDelete, string(id), map[string]any{"reason": reason}); err != nil {
		m.log.WarnErr("audit checkpoint delete", err)
	}
	return nil
}

func currentOwner() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func ioErr(op string, err error) error {
	if t := errclass.FromIO(err); t != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, t)
	}
	return fmt.Errorf("%s: %w", op, err)
}
