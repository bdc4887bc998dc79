package fsutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	data := []byte(`{"phase": "build"}`)

	require.NoError(t, fsutil.AtomicWrite(path, data, 0644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestAtomicWrite_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	require.NoError(t, fsutil.AtomicWrite(path, []byte("new"), 0644))

	content, _ := os.ReadFile(path)
	assert.Equal(t, "new", string(content))
}

func TestAtomicWrite_NoTmpLeftOnSuccess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fsutil.AtomicWrite(filepath.Join(dir, "a.json"), []byte("x"), 0644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), fsutil.TempPrefix), e.Name())
	}
}

func TestAtomicWrite_MissingDir(t *testing.T) {
	err := fsutil.AtomicWrite(filepath.Join(t.TempDir(), "nope", "a.json"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestStage_DiscardLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(target, []byte("live"), 0644))

	staged, err := fsutil.Stage(dir, []byte("candidate"), 0644)
	require.NoError(t, err)
	assert.FileExists(t, staged.Path)

	staged.Discard()
	assert.NoFileExists(t, staged.Path)

	content, _ := os.ReadFile(target)
	assert.Equal(t, "live", string(content))
}

func TestStage_CommitTwiceFails(t *testing.T) {
	dir := t.TempDir()
	staged, err := fsutil.Stage(dir, []byte("x"), 0644)
	require.NoError(t, err)

	require.NoError(t, staged.Commit(filepath.Join(dir, "a")))
	assert.Error(t, staged.Commit(filepath.Join(dir, "b")))
	staged.Discard()
	assert.FileExists(t, filepath.Join(dir, "a"))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, fsutil.TempPrefix+"x"), []byte("tmp"), 0644))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, fsutil.CopyTree(src, dst))

	a, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(a))
	b, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
	assert.NoFileExists(t, filepath.Join(dst, fsutil.TempPrefix+"x"))

	info, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCopyTree_SingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(src, []byte("k: v\n"), 0644))
	dst := filepath.Join(t.TempDir(), "out", "config.yaml")

	require.NoError(t, fsutil.CopyTree(src, dst))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "k: v\n", string(content))
}

func TestRemoveOrphanTemps(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "backups"), 0755))
	orphan := filepath.Join(root, "backups", fsutil.TempPrefix+"123")
	keep := filepath.Join(root, "state.json")
	inFlight := filepath.Join(root, fsutil.TempPrefix+"456")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(keep, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(inFlight, []byte("x"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	assert.Equal(t, []string{orphan}, fsutil.FindOrphanTemps(root, 5*time.Minute))

	removed, err := fsutil.RemoveOrphanTemps(root, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, keep)
	assert.FileExists(t, inFlight)
}

func TestRemoveOrphanTemps_KeepsStagedWrite(t *testing.T) {
	root := t.TempDir()
	staged, err := fsutil.Stage(root, []byte("{}"), 0644)
	require.NoError(t, err)

	removed, err := fsutil.RemoveOrphanTemps(root, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, staged.Path)
	require.NoError(t, staged.Commit(filepath.Join(root, "state.json")))
	assert.FileExists(t, filepath.Join(root, "state.json"))
}
