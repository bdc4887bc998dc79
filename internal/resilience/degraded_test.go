package resilience_test

import (
	"context"
	"testing"

	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/resilience"
	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDegraded_EnableStatusDisable(t *testing.T) {
	ctx := context.Background()
	r := initRepo(t)
	store := state.NewStore(r, lock.NewManager(r.LocksDir(), lock.Options{}), state.Options{})
	d := resilience.NewDegraded(store, nil, nil)

	on, err := d.IsDegraded(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	mode, err := d.Enable(ctx, "registry down", []string{"publish", "notify"})
	require.NoError(t, err)
	assert.True(t, mode.Enabled)

	// A fresh store sees the persisted flag.
	other := resilience.NewDegraded(state.NewStore(r, lock.NewManager(r.LocksDir(), lock.Options{}), state.Options{}), nil, nil)
	st, err := other.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, "registry down", st.Reason)
	assert.Equal(t, []string{"publish", "notify"}, st.DisabledFeatures)
	assert.False(t, st.Since.IsZero())

	was, err := d.Disable(ctx)
	require.NoError(t, err)
	assert.True(t, was)
	on, err = other.IsDegraded(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	was, err = d.Disable(ctx)
	require.NoError(t, err)
	assert.False(t, was)
}

func TestDegraded_EnableNeedsReason(t *testing.T) {
	r := initRepo(t)
	store := state.NewStore(r, lock.NewManager(r.LocksDir(), lock.Options{}), state.Options{})
	_, err := resilience.NewDegraded(store, nil, nil).Enable(context.Background(), "", nil)
	require.ErrorIs(t, err, errclass.ErrValidationFailed)
}
