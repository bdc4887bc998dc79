// Package lock provides file-backed named locks shared by independent processes.
//
// A lock is a file under .pipeguard/locks created with O_CREAT|O_EXCL. The
// exclusive holder owns <name>.lock; every shared holder owns its own
// <name>.shared.<token>.lock. A lock whose owner process is gone, or which is
// older than the stale threshold, may be reaped by any caller.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
	"github.com/jvs-project/pipeguard/pkg/pathutil"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultMaxWait    = 2 * time.Second

	initialDelay = 50 * time.Millisecond
	fileSuffix   = ".lock"
	sharedInfix  = ".shared."
)

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	StaleAfter time.Duration
	MaxWait    time.Duration
	// PID is recorded as the owner process. Defaults to os.Getpid().
	PID    int
	Logger *logging.Logger
	Audit  audit.Appender
}

// Manager acquires and releases named locks in one locks directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	maxWait    time.Duration
	pid        int
	host       string
	log        *logging.Logger
	audit      audit.Appender
	now        func() time.Time

	mu   sync.Mutex
	held map[string]string // name -> owner token
}

// NewManager creates a lock manager rooted at locksDir.
func NewManager(locksDir string, opts Options) *Manager {
	m := &Manager{
		dir:        locksDir,
		staleAfter: opts.StaleAfter,
		maxWait:    opts.MaxWait,
		pid:        opts.PID,
		log:        opts.Logger,
		audit:      opts.Audit,
		now:        time.Now,
		held:       make(map[string]string),
	}
	if m.staleAfter <= 0 {
		m.staleAfter = DefaultStaleAfter
	}
	if m.maxWait <= 0 {
		m.maxWait = DefaultMaxWait
	}
	if m.pid <= 0 {
		m.pid = os.Getpid()
	}
	if m.log == nil {
		m.log = logging.Global()
	}
	m.log = m.log.Component("lock")
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	m.host, _ = os.Hostname()
	return m
}

// Acquire takes the named lock, waiting up to timeout. A timeout <= 0 makes a
// single attempt. ctx cancellation also ends the wait.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration, kind model.LockKind, metadata map[string]string) (*model.Lock, error) {
	if err := pathutil.ValidateLockName(name); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = model.LockExclusive
	}
	if !kind.Valid() {
		return nil, errclass.ErrValidationFailed.WithMessagef("unknown lock kind %q", kind)
	}
	if blocker, risky := conflictsWithHeld(name, m.ownedNames()); risky {
		return nil, errclass.ErrDeadlockRisk.WithMessagef(
			"cannot acquire %s while holding lower-priority lock %s", name, blocker)
	}

	deadline := m.now().Add(timeout)
	delay := initialDelay
	waitLog := rate.Sometimes{Interval: time.Second}
	for {
		rec, err := m.try(name, kind, metadata)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			m.mu.Lock()
			m.held[name] = rec.OwnerToken
			m.mu.Unlock()
			m.log.Debug("lock acquired", map[string]any{"name": name, "kind": string(kind), "token": rec.OwnerToken})
			return rec, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return nil, errclass.ErrLockTimeout.WithMessagef("lock %s not acquired within %s", name, timeout)
		}
		waitLog.Do(func() {
			m.log.Info("waiting for lock", map[string]any{"name": name, "remaining": remaining.String()})
		})

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errclass.ErrLockTimeout.Wrap(ctx.Err(), fmt.Sprintf("lock %s wait cancelled", name))
		case <-timer.C:
		}
		delay = min(delay*2, m.maxWait)
	}
}

// try makes one acquisition attempt. A nil record with a nil error means the
// lock is busy.
func (m *Manager) try(name string, kind model.LockKind, metadata map[string]string) (*model.Lock, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, ioErr("create lock dir", err)
	}
	rec := &model.Lock{
		Name:       name,
		Kind:       kind,
		OwnerToken: uuid.NewString(),
		PID:        m.pid,
		Host:       m.host,
		AcquiredAt: m.now().UTC(),
		Metadata:   metadata,
	}
	if kind == model.LockShared {
		return m.tryShared(rec)
	}
	return m.tryExclusive(rec)
}

func (m *Manager) tryExclusive(rec *model.Lock) (*model.Lock, error) {
	path := m.exclusivePath(rec.Name)
	created, err := m.create(path, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		if m.reapIfStale(path) {
			return m.tryExclusive(rec)
		}
		return nil, nil
	}

	// Shared holders that got in before us win; back off.
	shared, err := m.sharedHolders(rec.Name)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	for _, sp := range shared {
		if !m.reapIfStale(sp) {
			os.Remove(path)
			return nil, nil
		}
	}
	return rec, nil
}

func (m *Manager) tryShared(rec *model.Lock) (*model.Lock, error) {
	excl := m.exclusivePath(rec.Name)
	if _, err := os.Stat(excl); err == nil && !m.reapIfStale(excl) {
		return nil, nil
	}

	path := m.sharedPath(rec.Name, rec.OwnerToken)
	created, err := m.create(path, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	if _, err := os.Stat(excl); err == nil && !m.reapIfStale(excl) {
		os.Remove(path)
		return nil, nil
	}
	return rec, nil
}

// create writes rec to path with O_EXCL. It reports false if path already exists.
func (m *Manager) create(path string, rec *model.Lock) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, ioErr("create lock", err)
	}
	defer file.Close()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		os.Remove(path)
		return false, ioErr("write lock", err)
	}
	if err := file.Sync(); err != nil {
		os.Remove(path)
		return false, ioErr("sync lock", err)
	}
	return true, nil
}

// reapIfStale removes the lock file at path if its owner is gone or it is too
// old. It reports whether the path is now free.
func (m *Manager) reapIfStale(path string) bool {
	info, err := m.inspect(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	if !info.Stale {
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.WarnErr("reap stale lock", err, map[string]any{"path": path})
		return false
	}
	m.log.Warn("reaped stale lock", map[string]any{"name": info.Name, "pid": info.PID, "reason": info.StaleReason})
	if err := m.audit.Append(model.EventTypeLockReap, info.Name, map[string]any{
		"pid":    info.PID,
		"host":   info.Host,
		"reason": info.StaleReason,
	}); err != nil {
		m.log.WarnErr("audit lock reap", err)
	}
	return true
}

// inspect reads the lock file at path and judges its staleness.
func (m *Manager) inspect(path string) (*model.LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info := &model.LockInfo{Path: path}
	if err := json.Unmarshal(data, &info.Lock); err != nil || info.Name == "" {
		// A holder may still be writing its record; judge by file age.
		st, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		info.Name = nameFromFile(filepath.Base(path))
		info.AcquiredAt = st.ModTime().UTC()
		if m.now().Sub(st.ModTime()) > m.staleAfter {
			info.Stale, info.StaleReason = true, "unreadable record older than stale threshold"
		}
		return info, nil
	}
	info.Stale, info.StaleReason = m.stale(&info.Lock)
	return info, nil
}

func (m *Manager) stale(rec *model.Lock) (bool, string) {
	if rec.Host == m.host && !processAlive(rec.PID) {
		return true, fmt.Sprintf("owner process %d is not running", rec.PID)
	}
	if age := rec.Age(m.now()); age > m.staleAfter {
		return true, fmt.Sprintf("age %s exceeds %s", age.Round(time.Second), m.staleAfter)
	}
	return false, ""
}

// Release removes the lock held under ownerToken. Releasing an absent lock is a no-op.
func (m *Manager) Release(name, ownerToken string) error {
	if err := pathutil.ValidateLockName(name); err != nil {
		return err
	}
	if _, err := uuid.Parse(ownerToken); err != nil {
		return errclass.ErrNotOwner.WithMessagef("malformed owner token %q", ownerToken)
	}

	excl := m.exclusivePath(name)
	rec, err := readLock(excl)
	switch {
	case err == nil && rec.OwnerToken == ownerToken:
		return m.remove(name, excl)
	case err != nil && !os.IsNotExist(err):
		return ioErr("read lock", err)
	}

	shared := m.sharedPath(name, ownerToken)
	if _, statErr := os.Stat(shared); statErr == nil {
		return m.remove(name, shared)
	}

	if rec != nil {
		return errclass.ErrNotOwner.WithMessagef("lock %s is held by token %s (pid %d)", name, rec.OwnerToken, rec.PID)
	}
	others, err := m.sharedHolders(name)
	if err != nil {
		return err
	}
	if len(others) > 0 {
		return errclass.ErrNotOwner.WithMessagef("lock %s has %d shared holder(s), none with token %s", name, len(others), ownerToken)
	}
	m.forget(name)
	return nil
}

func (m *Manager) remove(name, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ioErr("remove lock", err)
	}
	m.forget(name)
	m.log.Debug("lock released", map[string]any{"name": name})
	return nil
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
}

// Status is the result of Check.
type Status struct {
	Name    string           `json:"name"`
	State   model.LockState  `json:"state"`
	Holders []model.LockInfo `json:"holders,omitempty"`
}

// Check reports whether name is unlocked, locked by a live holder, or only held by stale records.
func (m *Manager) Check(name string) (*Status, error) {
	if err := pathutil.ValidateLockName(name); err != nil {
		return nil, err
	}
	holders, err := m.holders(name)
	if err != nil {
		return nil, err
	}
	st := &Status{Name: name, State: model.LockStateUnlocked, Holders: holders}
	for _, h := range holders {
		if !h.Stale {
			st.State = model.LockStateLocked
			return st, nil
		}
		st.State = model.LockStateStale
	}
	return st, nil
}

// List returns every lock record in the directory, sorted by name.
func (m *Manager) List() ([]model.LockInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("read locks dir", err)
	}
	var out []model.LockInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		info, err := m.inspect(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out, nil
}

// CleanStale removes every stale lock and returns what it removed.
func (m *Manager) CleanStale() ([]model.LockInfo, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var reaped []model.LockInfo
	for _, info := range all {
		if info.Stale && m.reapIfStale(info.Path) {
			reaped = append(reaped, info)
		}
	}
	return reaped, nil
}

// FindByPID returns the record of name held by pid, or nil.
func (m *Manager) FindByPID(name string, pid int) (*model.Lock, error) {
	holders, err := m.holders(name)
	if err != nil {
		return nil, err
	}
	for _, h := range holders {
		if h.PID == pid {
			rec := h.Lock
			return &rec, nil
		}
	}
	return nil, nil
}

// StaleAfter is the age past which a lock record may be reaped. No critical
// section guarded by this manager outlives it.
func (m *Manager) StaleAfter() time.Duration { return m.staleAfter }

// Held returns the names this manager currently holds.
func (m *Manager) Held() []string {
	names := m.heldNames()
	sort.Strings(names)
	return names
}

func (m *Manager) heldNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.held))
	for n := range m.held {
		names = append(names, n)
	}
	return names
}

// ownedNames is the in-memory held set plus every live record on disk owned
// by this manager's pid on this host. Locks taken by earlier invocations
// recorded under the same pid are only visible on disk.
func (m *Manager) ownedNames() []string {
	names := m.heldNames()
	all, err := m.List()
	if err != nil {
		m.log.WarnErr("list locks for deadlock check", err)
		return names
	}
	for _, info := range all {
		if !info.Stale && info.PID == m.pid && info.Host == m.host && !slices.Contains(names, info.Name) {
			names = append(names, info.Name)
		}
	}
	return names
}

func (m *Manager) holders(name string) ([]model.LockInfo, error) {
	paths, err := m.sharedHolders(name)
	if err != nil {
		return nil, err
	}
	paths = append([]string{m.exclusivePath(name)}, paths...)
	var out []model.LockInfo
	for _, p := range paths {
		info, err := m.inspect(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, ioErr("read lock", err)
		}
		out = append(out, *info)
	}
	return out, nil
}

func (m *Manager) sharedHolders(name string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, fileBase(name)+sharedInfix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("glob shared locks: %w", err)
	}
	return paths, nil
}

func (m *Manager) exclusivePath(name string) string {
	return filepath.Join(m.dir, fileBase(name)+fileSuffix)
}

func (m *Manager) sharedPath(name, token string) string {
	return filepath.Join(m.dir, fileBase(name)+sharedInfix+token+fileSuffix)
}

// fileBase maps the namespace separator to a character that is legal in file
// names everywhere and never valid in a lock name.
func fileBase(name string) string {
	return strings.ReplaceAll(name, ":", "~")
}

func nameFromFile(base string) string {
	base = strings.TrimSuffix(base, fileSuffix)
	if i := strings.Index(base, sharedInfix); i >= 0 {
		base = base[:i]
	}
	return strings.ReplaceAll(base, "~", ":")
}

func readLock(path string) (*model.Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.Lock
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func ioErr(op string, err error) error {
	if t := errclass.FromIO(err); t != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, t)
	}
	return fmt.Errorf("%s: %w", op, err)
}
