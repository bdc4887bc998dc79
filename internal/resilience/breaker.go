package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jvs-project/pipeguard/internal/audit"
	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/logging"
	"github.com/jvs-project/pipeguard/pkg/model"
	"github.com/jvs-project/pipeguard/pkg/pathutil"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

// BreakerOptions tunes Breakers. Zero values take the defaults.
type BreakerOptions struct {
	Threshold   int
	Cooldown    time.Duration
	LockTimeout time.Duration
	Now         func() time.Time
	Logger      *logging.Logger
	Audit       audit.Appender
}

// Breakers keeps one circuit breaker per dependency, persisted as
// .pipeguard/breakers/<name>.json and guarded by the breaker:<name> lock.
type Breakers struct {
	dir       string
	locks     *lock.Manager
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *logging.Logger
	audit     audit.Appender
}

// NewBreakers creates a breaker set stored in dir.
func NewBreakers(dir string, locks *lock.Manager, opts BreakerOptions) *Breakers {
	b := &Breakers{
		dir:       dir,
		locks:     locks,
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		timeout:   opts.LockTimeout,
		now:       opts.Now,
		log:       opts.Logger,
		audit:     opts.Audit,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultBreakerThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultBreakerCooldown
	}
	if b.timeout <= 0 {
		b.timeout = 10 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = logging.Global()
	}
	b.log = b.log.Component("breaker")
	if b.audit == nil {
		b.audit = audit.Nop{}
	}
	return b
}

// Call runs fn if the breaker for name admits it and records the outcome.
// A rejected call returns ErrCircuitOpen without running fn.
func (b *Breakers) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := b.Allow(ctx, name); err != nil {
		return err
	}
	callErr := fn(ctx)
	var recErr error
	if callErr != nil {
		recErr = b.RecordFailure(ctx, name)
	} else {
		recErr = b.RecordSuccess(ctx, name)
	}
	if recErr != nil {
		b.log.WarnErr("record breaker outcome", recErr, map[string]any{"dependency": name})
	}
	return callErr
}

// Allow admits or rejects a call. Once the cool-down has elapsed an open
// breaker turns half-open and admits exactly one trial; a trial that never
// reports back is replaced after another cool-down.
func (b *Breakers) Allow(ctx context.Context, name string) error {
	return b.update(ctx, name, func(st *model.BreakerState, now time.Time) error {
		switch st.State {
		case model.BreakerOpen:
			if now.Sub(st.OpenedAt) < b.cooldown {
				return b.rejected(st, st.OpenedAt.Add(b.cooldown))
			}
			st.State = model.BreakerHalfOpen
			st.TrialStartedAt = now
		case model.BreakerHalfOpen:
			if now.Sub(st.TrialStartedAt) < b.cooldown {
				return b.rejected(st, st.TrialStartedAt.Add(b.cooldown))
			}
			st.TrialStartedAt = now
		}
		return nil
	})
}

func (b *Breakers) rejected(st *model.BreakerState, retryAt time.Time) error {
	return errclass.ErrCircuitOpen.WithMessagef("circuit for %s is %s after %d failures; next trial at %s",
		st.Dependency, st.State, st.FailureCount, retryAt.UTC().Format(time.RFC3339))
}

// RecordSuccess closes the breaker and zeroes its failure count.
func (b *Breakers) RecordSuccess(ctx context.Context, name string) error {
	return b.update(ctx, name, func(st *model.BreakerState, _ time.Time) error {
		st.State = model.BreakerClosed
		st.FailureCount = 0
		st.OpenedAt = time.Time{}
		st.TrialStartedAt = time.Time{}
		return nil
	})
}

// RecordFailure counts a failure. A failed trial reopens the breaker with a
// fresh timer; reaching the threshold while closed opens it.
func (b *Breakers) RecordFailure(ctx context.Context, name string) error {
	return b.update(ctx, name, func(st *model.BreakerState, now time.Time) error {
		st.FailureCount++
		st.LastFailureAt = now
		switch st.State {
		case model.BreakerHalfOpen:
			st.State = model.BreakerOpen
			st.OpenedAt = now
			st.TrialStartedAt = time.Time{}
		case model.BreakerClosed:
			if st.FailureCount >= b.threshold {
				st.State = model.BreakerOpen
				st.OpenedAt = now
			}
		}
		return nil
	})
}

// Reset forces the breaker closed.
func (b *Breakers) Reset(ctx context.Context, name string) error {
	return b.RecordSuccess(ctx, name)
}

// Get returns the persisted state of name; an unknown dependency is closed.
func (b *Breakers) Get(name string) (*model.BreakerState, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}
	return b.load(name)
}

// List returns every persisted breaker, sorted by dependency.
func (b *Breakers) List() ([]model.BreakerState, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read breakers dir: %w", err)
	}
	var out []model.BreakerState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), fsutil.TempPrefix) {
			continue
		}
		st, err := b.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			b.log.WarnErr("skipping unreadable breaker", err, map[string]any{"file": e.Name()})
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out, nil
}

func (b *Breakers) update(ctx context.Context, name string, fn func(st *model.BreakerState, now time.Time) error) (err error) {
	if err := pathutil.ValidateName(name); err != nil {
		return err
	}
	lockName := "breaker:" + name
	rec, err := b.locks.Acquire(ctx, lockName, b.timeout, model.LockExclusive, nil)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := b.locks.Release(lockName, rec.OwnerToken); relErr != nil && err == nil {
			err = relErr
		}
	}()

	st, err := b.load(name)
	if err != nil {
		return err
	}
	before := *st
	fnErr := fn(st, b.now().UTC())
	if *st == before {
		return fnErr
	}
	if err := b.save(st); err != nil {
		return err
	}
	if st.State != before.State {
		b.log.Info("breaker transition", map[string]any{
			"dependency": name,
			"from":       string(before.State),
			"to":         string(st.State),
			"failures":   st.FailureCount,
		})
		if err := b.audit.Append(model.EventTypeBreakerTransition, name, map[string]any{
			"from":     string(before.State),
			"to":       string(st.State),
			"failures": st.FailureCount,
		}); err != nil {
			b.log.WarnErr("audit breaker transition", err)
		}
	}
	return fnErr
}

func (b *Breakers) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func (b *Breakers) load(name string) (*model.BreakerState, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &model.BreakerState{Dependency: name, State: model.BreakerClosed}, nil
		}
		return nil, fmt.Errorf("read breaker %s: %w", name, err)
	}
	var st model.BreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errclass.ErrDataIntegrity.WithMessagef("breaker %s: %v", name, err)
	}
	if st.State == "" {
		st.State = model.BreakerClosed
	}
	st.Dependency = name
	return &st, nil
}

func (b *Breakers) save(st *model.BreakerState) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("create breakers dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker: %w", err)
	}
	return fsutil.AtomicWrite(b.path(st.Dependency), data, 0644)
}
