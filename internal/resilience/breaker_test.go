package resilience_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreakers(t *testing.T, r *repo.Repo, clock *fakeClock) *resilience.Breakers {
	t.Helper()
	locks := lock.NewManager(r.LocksDir(), lock.Options{})
	return resilience.NewBreakers(r.BreakersDir(), locks, resilience.BreakerOptions{
		Threshold: 3,
		Cooldown:  time.Minute,
		Now:       clock.Now,
	})
}

func initRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBreakers(t, r, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "svc"))
	}
	st, err := b.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, model.BreakerOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)

	invoked := false
	err = b.Call(ctx, "svc", func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, errclass.ErrCircuitOpen)
	assert.Equal(t, errclass.ServiceUnavailable, errclass.KindOf(err))
	assert.False(t, invoked)

	clock.Advance(time.Minute + time.Second)
	require.NoError(t, b.Allow(ctx, "svc"))
	st, _ = b.Get("svc")
	assert.Equal(t, model.BreakerHalfOpen, st.State)

	// Only one trial while half-open.
	require.ErrorIs(t, b.Allow(ctx, "svc"), errclass.ErrCircuitOpen)

	require.NoError(t, b.RecordSuccess(ctx, "svc"))
	st, _ = b.Get("svc")
	assert.Equal(t, model.BreakerClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestBreaker_FailedTrialReopensWithFreshTimer(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBreakers(t, r, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "svc"))
	}
	clock.Advance(2 * time.Minute)

	err := b.Call(ctx, "svc", func(context.Context) error { return errclass.ErrNetwork })
	require.ErrorIs(t, err, errclass.ErrNetwork)

	st, _ := b.Get("svc")
	assert.Equal(t, model.BreakerOpen, st.State)
	assert.Equal(t, 4, st.FailureCount)
	assert.True(t, st.OpenedAt.Equal(clock.Now()))

	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Allow(ctx, "svc"), errclass.ErrCircuitOpen)
}

func TestBreaker_AbandonedTrialIsReplaced(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBreakers(t, r, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "svc"))
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Allow(ctx, "svc"))

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Allow(ctx, "svc"))
}

func TestBreaker_ClosedFailuresBelowThreshold(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	clock := &fakeClock{t: time.Now()}
	b := newBreakers(t, r, clock)

	require.NoError(t, b.RecordFailure(ctx, "git"))
	require.NoError(t, b.RecordFailure(ctx, "git"))
	require.NoError(t, b.Call(ctx, "git", func(context.Context) error { return nil }))

	st, err := b.Get("git")
	require.NoError(t, err)
	assert.Equal(t, model.BreakerClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestBreaker_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	clock := &fakeClock{t: time.Now()}
	first := newBreakers(t, r, clock)
	for i := 0; i < 3; i++ {
		require.NoError(t, first.RecordFailure(ctx, "registry"))
	}

	second := newBreakers(t, r, clock)
	require.ErrorIs(t, second.Allow(ctx, "registry"), errclass.ErrCircuitOpen)

	all, err := second.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "registry", all[0].Dependency)

	require.NoError(t, second.Reset(ctx, "registry"))
	require.NoError(t, first.Allow(ctx, "registry"))
}

func TestBreaker_InvalidName(t *testing.T) {
	r := initRepo(t)
	b := newBreakers(t, r, &fakeClock{t: time.Now()})
	require.ErrorIs(t, b.RecordFailure(context.Background(), "a/b"), errclass.ErrNameInvalid)
}
