package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
	"github.com/jvs-project/pipeguard/pkg/jsonutil"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Checkpoint *model.Checkpoint    `json:"checkpoint"`
	State      *model.StateDocument `json:"state"`
	Artifacts  []string             `json:"artifacts,omitempty"`
}

// Restore replaces live state and artifacts with the checkpoint's copies. The
// checkpoint is verified in full before anything live is touched, and the
// artifacts are only swapped in once the state write has committed.
func (m *Manager) Restore(ctx context.Context, id model.CheckpointID) (*RestoreResult, error) {
	var result *RestoreResult
	err := m.withLock(ctx, func() error {
		cp, doc, err := m.verify(id)
		if err != nil {
			return err
		}
		return m.store.WithLock(ctx, func(tx *state.Tx) error {
			dir := filepath.Join(m.dir, string(id))
			if _, err := tx.Backup("pre-restore-" + cp.Operation); err != nil && !errors.Is(err, errclass.ErrDependencyMissing) {
				m.log.WarnErr("backup before restore failed; continuing", err)
			}
			staged := make([]stagedArtifact, 0, len(cp.Artifacts))
			defer func() {
				for _, a := range staged {
					a.discard()
				}
			}()
			for _, rel := range cp.Artifacts {
				a, err := stageArtifact(filepath.Join(dir, artifactsDir, rel), filepath.Join(m.base, rel))
				if err != nil {
					return ioErr("stage artifact "+rel, err)
				}
				staged = append(staged, a)
			}
			written, err := tx.Commit(doc, "checkpoint-restore")
			if err != nil {
				return err
			}
			for i, a := range staged {
				if err := a.swap(); err != nil {
					return ioErr("restore artifact "+cp.Artifacts[i], err)
				}
			}
			result = &RestoreResult{Checkpoint: cp, State: written, Artifacts: cp.Artifacts}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("checkpoint restored", map[string]any{"id": string(id)})
	if err := m.audit.Append(model.EventTypeCheckpointRestore, string(id), map[string]any{
		"operation": result.Checkpoint.Operation,
		"phase":     result.Checkpoint.Phase,
	}); err != nil {
		m.log.WarnErr("audit checkpoint restore", err)
	}
	return result, nil
}

// verify loads a checkpoint and checks its saved state and artifacts.
func (m *Manager) verify(id model.CheckpointID) (*model.Checkpoint, *model.StateDocument, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(m.dir, string(id))
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, nil, errclass.ErrCheckpointInvalid.WithMessagef("checkpoint %s has no state: %v", id, err)
	}
	if _, err := state.Validate(raw); err != nil {
		return nil, nil, errclass.ErrCheckpointInvalid.Wrap(err, "checkpoint state failed validation")
	}
	digest, err := jsonutil.Digest(json.RawMessage(raw))
	if err != nil {
		return nil, nil, errclass.ErrCheckpointInvalid.Wrap(err, "digest checkpoint state")
	}
	if digest != cp.StateDigest {
		return nil, nil, errclass.ErrCheckpointInvalid.WithMessagef("checkpoint %s state digest mismatch", id)
	}
	for _, rel := range cp.Artifacts {
		if _, err := os.Lstat(filepath.Join(dir, artifactsDir, rel)); err != nil {
			return nil, nil, errclass.ErrCheckpointInvalid.WithMessagef("checkpoint %s is missing artifact %s", id, rel)
		}
	}
	var doc model.StateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, errclass.ErrCheckpointInvalid.Wrap(err, "decode checkpoint state")
	}
	return cp, &doc, nil
}

// Verify reports whether a checkpoint could be restored.
func (m *Manager) Verify(id model.CheckpointID) error {
	_, _, err := m.verify(id)
	return err
}

// stagedArtifact is a checkpoint copy sitting next to its live path.
type stagedArtifact struct {
	tmp, dst string
}

// stageArtifact copies src next to dst without touching dst.
func stageArtifact(src, dst string) (stagedArtifact, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return stagedArtifact{}, err
	}
	tmp := filepath.Join(filepath.Dir(dst), fsutil.TempPrefix+"restore-"+filepath.Base(dst))
	os.RemoveAll(tmp)
	if err := fsutil.CopyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return stagedArtifact{}, err
	}
	return stagedArtifact{tmp: tmp, dst: dst}, nil
}

// swap replaces the live path with the staged copy.
func (a stagedArtifact) swap() error {
	if err := os.RemoveAll(a.dst); err != nil {
		return err
	}
	if err := os.Rename(a.tmp, a.dst); err != nil {
		return err
	}
	return fsutil.FsyncDir(filepath.Dir(a.dst))
}

// discard removes the staged copy if it was never swapped in.
func (a stagedArtifact) discard() {
	os.RemoveAll(a.tmp)
}
