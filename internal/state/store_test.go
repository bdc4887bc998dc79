package state_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jvs-project/pipeguard/internal/lock"
	"github.com/jvs-project/pipeguard/internal/repo"
	"github.com/jvs-project/pipeguard/internal/state"
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

func setup(t *testing.T, opts state.Options) (*repo.Repo, *state.Store) {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	require.NoError(t, err)
	locks := lock.NewManager(r.LocksDir(), lock.Options{})
	return r, state.NewStore(r, locks, opts)
}

func sampleDoc() *model.StateDocument {
	trigger := "deploy-trigger"
	return &model.StateDocument{
		Phase:          "build",
		CompletedTasks: []string{"lint", "test"},
		Signals:        map[string]any{"ready": "yes"},
		LastActivation: &trigger,
		Metadata:       map[string]any{"owner": "ci"},
		Extra:          map[string]json.RawMessage{"custom": json.RawMessage(`{"a":"b"}`)},
	}
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	in := sampleDoc()
	written, err := store.Write(ctx, in, "test")
	require.NoError(t, err)
	assert.Equal(t, model.CurrentSchemaVersion, written.SchemaVersion)
	assert.False(t, written.LastModified.IsZero())
	assert.False(t, written.Created.IsZero())

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, in.Phase, got.Phase)
	assert.Equal(t, in.CompletedTasks, got.CompletedTasks)
	assert.Equal(t, in.Signals, got.Signals)
	assert.Equal(t, in.LastActivation, got.LastActivation)
	assert.Equal(t, in.Metadata, got.Metadata)
	require.Contains(t, got.Extra, "custom")
	assert.JSONEq(t, `{"a":"b"}`, string(got.Extra["custom"]))
	assert.True(t, written.LastModified.Equal(got.LastModified))
}

func TestWriteThenRead_EmptyLastActivationKept(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	var in model.StateDocument
	require.NoError(t, json.Unmarshal([]byte(`{"phase":"build","completedTasks":[],"signals":{},"lastActivation":"","metadata":null}`), &in))
	_, err := store.Write(ctx, &in, "test")
	require.NoError(t, err)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "lastActivation")
	assert.Equal(t, "", fields["lastActivation"])
	assert.Equal(t, map[string]any{}, fields["metadata"])

	got, err := store.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.LastActivation)
	assert.Equal(t, "", *got.LastActivation)

	// A document without the key does not gain one.
	_, err = store.Write(ctx, &model.StateDocument{Phase: "x", CompletedTasks: []string{}, Signals: map[string]any{}}, "test")
	require.NoError(t, err)
	raw, err = os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "lastActivation")
}

func TestRead_AbsentReturnsDefault(t *testing.T) {
	_, store := setup(t, state.Options{})

	doc, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPhase, doc.Phase)
	assert.Empty(t, doc.CompletedTasks)
	assert.NoFileExists(t, store.Path())
}

func TestRead_CorruptIsStateCorruption(t *testing.T) {
	_, store := setup(t, state.Options{})
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"phase": 7}`), 0644))

	_, err := store.Read(context.Background())
	require.ErrorIs(t, err, errclass.ErrStateCorruption)
	assert.Equal(t, errclass.StateCorruption, errclass.KindOf(err))
}

func TestWrite_InvalidLeavesPreviousUntouched(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	_, err := store.Write(ctx, sampleDoc(), "first")
	require.NoError(t, err)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	bad := sampleDoc()
	bad.Extra = map[string]json.RawMessage{"phase": json.RawMessage(`1`)}
	_, err = store.Write(ctx, bad, "bad")
	require.ErrorIs(t, err, errclass.ErrValidationFailed)

	_, err = store.Write(ctx, nil, "nil")
	require.ErrorIs(t, err, errclass.ErrValidationFailed)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "build", got.Phase)
}

func TestWrite_LastModifiedAdvancesWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	_, store := setup(t, state.Options{Now: clock.Now})

	first, err := store.Write(ctx, sampleDoc(), "one")
	require.NoError(t, err)
	second, err := store.Write(ctx, sampleDoc(), "two")
	require.NoError(t, err)

	assert.True(t, second.LastModified.After(first.LastModified))
	assert.True(t, first.Created.Equal(second.Created))
}

func TestWrite_BackupRetentionByCount(t *testing.T) {
	ctx := context.Background()
	const keep = 3
	_, store := setup(t, state.Options{BackupKeep: keep})

	for i := 0; i < keep+1; i++ {
		_, err := store.Write(ctx, sampleDoc(), "w")
		require.NoError(t, err)
	}
	backups, err := store.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, keep)

	_, err = store.Write(ctx, sampleDoc(), "w")
	require.NoError(t, err)
	backups, err = store.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, keep)
	for i := 1; i < len(backups); i++ {
		assert.True(t, backups[i-1].CreatedAt.After(backups[i].CreatedAt))
	}
}

func TestWrite_BackupRetentionByAge(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, store := setup(t, state.Options{Now: clock.Now, BackupKeep: 5, BackupMaxAge: 7 * 24 * time.Hour})

	_, err := store.Write(ctx, sampleDoc(), "a")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = store.Write(ctx, sampleDoc(), "b")
	require.NoError(t, err)

	backups, err := store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old := backups[0].Name

	clock.Advance(8 * 24 * time.Hour)
	_, err = store.Write(ctx, sampleDoc(), "c")
	require.NoError(t, err)

	backups, err = store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.NotEqual(t, old, backups[0].Name)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	_, err := store.Update(ctx, "advance", func(doc *model.StateDocument) error {
		doc.Phase = "deploy"
		doc.CompletedTasks = append(doc.CompletedTasks, "build")
		return nil
	})
	require.NoError(t, err)

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Phase)
	assert.Equal(t, []string{"build"}, got.CompletedTasks)
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	created, err := store.Init(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, store.Path())

	created, err = store.Init(ctx)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestBackup_Explicit(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t, state.Options{})

	_, err := store.Backup(ctx, "manual")
	require.ErrorIs(t, err, errclass.ErrDependencyMissing)

	_, err = store.Write(ctx, sampleDoc(), "w")
	require.NoError(t, err)
	b, err := store.Backup(ctx, "before deploy")
	require.NoError(t, err)
	assert.Equal(t, "before-deploy", b.Reason)
	assert.FileExists(t, b.Path)

	live, _ := os.ReadFile(store.Path())
	copied, _ := os.ReadFile(b.Path)
	assert.Equal(t, live, copied)
}

func TestWrite_ReleasesLockOnFailure(t *testing.T) {
	ctx := context.Background()
	r, store := setup(t, state.Options{})

	bad := sampleDoc()
	bad.Extra = map[string]json.RawMessage{"signals": json.RawMessage(`[]`)}
	_, err := store.Write(ctx, bad, "bad")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(store.Path(), []byte("not json"), 0644))
	_, err = store.Read(ctx)
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(r.LocksDir(), "state.lock"))
}
