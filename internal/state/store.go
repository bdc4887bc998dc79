// Package state persists the shared pipeline state document.
//
// Every access, read or write, runs inside the exclusive "state" lock. Writes
// back up the live file, stage the new version in a temp file, validate the
// temp file and rename it into place, so a failed write never touches the
// previous document.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// LockName is the lock guarding the state document.
const LockName = "state"

const (
	DefaultBackupKeep   = 5
	DefaultBackupMaxAge = 7 * 24 * time.Hour
	DefaultLockTimeout  = 30 * time.Second
)

// Options tunes a Store. Zero values take the defaults.
type Options struct {
	LockTimeout  time.Duration
	BackupKeep   int
	BackupMaxAge time.Duration
	Logger       *logging.Logger
	Audit        audit.Appender
	// Now is the clock used for stamps and backup names.
	Now func() time.Time
}

// Store reads and writes .pipeguard/state.json.
type Store struct {
	path       string
	backupsDir string
	locks      *lock.Manager
	timeout    time.Duration
	keep       int
	maxAge     time.Duration
	log        *logging.Logger
	audit      audit.Appender
	now        func() time.Time
}

// NewStore creates a store for the workspace r.
func NewStore(r *repo.Repo, locks *lock.Manager, opts Options) *Store {
	s := &Store{
		path:       r.StatePath(),
		backupsDir: r.BackupsDir(),
		locks:      locks,
		timeout:    opts.LockTimeout,
		keep:       opts.BackupKeep,
		maxAge:     opts.BackupMaxAge,
		log:        opts.Logger,
		audit:      opts.Audit,
		now:        opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultLockTimeout
	}
	if s.keep <= 0 {
		s.keep = DefaultBackupKeep
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultBackupMaxAge
	}
	if s.log == nil {
		s.log = logging.Global()
	}
	s.log = s.log.Component("state")
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Path returns the live state file location.
func (s *Store) Path() string { return s.path }

// Locks returns the lock manager the store acquires through.
func (s *Store) Locks() *lock.Manager { return s.locks }

// WithLock runs fn inside the state lock. The lock is released on every path.
func (s *Store) WithLock(ctx context.Context, fn func(tx *Tx) error) (err error) {
	rec, err := s.locks.Acquire(ctx, LockName, s.timeout, model.LockExclusive, map[string]string{"component": "state"})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := s.locks.Release(LockName, rec.OwnerToken); relErr != nil {
			s.log.ErrorErr("release state lock", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()
	return fn(&Tx{s: s})
}

// Read returns the current document, or the default document if none exists.
func (s *Store) Read(ctx context.Context) (*model.StateDocument, error) {
	var doc *model.StateDocument
	err := s.WithLock(ctx, func(tx *Tx) error {
		var err error
		doc, err = tx.Load()
		return err
	})
	return doc, err
}

// Write validates doc and makes it the live document. The stamped version is returned.
func (s *Store) Write(ctx context.Context, doc *model.StateDocument, reason string) (*model.StateDocument, error) {
	candidate, err := prepare(doc)
	if err != nil {
		return nil, err
	}
	var out *model.StateDocument
	err = s.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Commit(candidate, reason)
		return err
	})
	return out, err
}

// Update applies fn to the live document and writes the result in one critical section.
func (s *Store) Update(ctx context.Context, reason string, fn func(doc *model.StateDocument) error) (*model.StateDocument, error) {
	var out *model.StateDocument
	err := s.WithLock(ctx, func(tx *Tx) error {
		doc, err := tx.Load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		out, err = tx.Commit(doc, reason)
		return err
	})
	return out, err
}

// Init persists the default document if no state file exists. It reports whether it wrote one.
func (s *Store) Init(ctx context.Context) (bool, error) {
	created := false
	err := s.WithLock(ctx, func(tx *Tx) error {
		raw, err := tx.LoadRaw()
		if err != nil || raw != nil {
			return err
		}
		if _, err := tx.Commit(model.DefaultState(), "init"); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Tx is the view of the store inside the state lock.
type Tx struct {
	s *Store
}

// LoadRaw returns the live file bytes, or nil if there is no live file.
func (tx *Tx) LoadRaw() ([]byte, error) {
	data, err := os.ReadFile(tx.s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("read state", err)
	}
	return data, nil
}

// Load returns the validated live document or the default document.
func (tx *Tx) Load() (*model.StateDocument, error) {
	raw, err := tx.LoadRaw()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return model.DefaultState(), nil
	}
	warnings, err := Validate(raw)
	if err != nil {
		return nil, errclass.ErrStateCorruption.Wrap(err, fmt.Sprintf("%s failed validation (run 'pipeguard state recover')", tx.s.path))
	}
	for _, w := range warnings {
		tx.s.log.Warn(w, map[string]any{"path": tx.s.path})
	}
	var doc model.StateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errclass.ErrStateCorruption.Wrap(err, "decode state")
	}
	doc.Normalize()
	return &doc, nil
}

// Commit stamps doc and atomically replaces the live document with it.
func (tx *Tx) Commit(doc *model.StateDocument, reason string) (*model.StateDocument, error) {
	s := tx.s
	out, err := prepare(doc)
	if err != nil {
		return nil, err
	}

	prev := tx.previousStamps()
	if prev != nil {
		if _, err := tx.Backup(reason); err != nil {
			s.log.WarnErr("backup before write failed; continuing", err, map[string]any{"reason": reason})
		}
	}

	now := s.now().UTC()
	if prev != nil && !prev.LastModified.IsZero() && !now.After(prev.LastModified) {
		now = prev.LastModified.Add(time.Millisecond)
	}
	out.SchemaVersion = model.CurrentSchemaVersion
	out.LastModified = now
	if out.Created.IsZero() {
		if prev != nil && !prev.Created.IsZero() {
			out.Created = prev.Created
		} else {
			out.Created = now
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("encode state: %v", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, ioErr("create state dir", err)
	}
	staged, err := fsutil.Stage(filepath.Dir(s.path), data, 0644)
	if err != nil {
		return nil, ioErr("stage state", err)
	}
	defer staged.Discard()

	written, err := os.ReadFile(staged.Path)
	if err != nil {
		return nil, ioErr("read staged state", err)
	}
	if _, err := Validate(written); err != nil {
		return nil, fmt.Errorf("staged state rejected: %w", err)
	}
	if err := staged.Commit(s.path); err != nil {
		return nil, ioErr("replace state", err)
	}

	if err := tx.prune(); err != nil {
		s.log.WarnErr("prune backups", err)
	}
	if err := s.audit.Append(model.EventTypeStateWrite, LockName, map[string]any{
		"reason": reason,
		"phase":  out.Phase,
	}); err != nil {
		s.log.WarnErr("audit state write", err)
	}
	s.log.Info("state written", map[string]any{"reason": reason, "phase": out.Phase})
	return out, nil
}

// previousStamps decodes the stamps of the live file, ignoring any decode failure.
func (tx *Tx) previousStamps() *model.StateDocument {
	raw, err := tx.LoadRaw()
	if err != nil || raw == nil {
		return nil
	}
	var prev struct {
		Created      time.Time `json:"created"`
		LastModified time.Time `json:"lastModified"`
	}
	if json.Unmarshal(raw, &prev) != nil {
		return &model.StateDocument{}
	}
	return &model.StateDocument{Created: prev.Created, LastModified: prev.LastModified}
}

// prepare copies doc, fills empty collections and validates it.
func prepare(doc *model.StateDocument) (*model.StateDocument, error) {
	if doc == nil {
		return nil, errclass.ErrValidationFailed.WithMessage("state document is nil")
	}
	out, err := doc.Clone()
	if err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("copy state document: %v", err)
	}
	out.Normalize()
	if _, err := ValidateDocument(out); err != nil {
		return nil, err
	}
	return out, nil
}

func ioErr(op string, err error) error {
	if t := errclass.FromIO(err); t != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, t)
	}
	return fmt.Errorf("%s: %w", op, err)
}
