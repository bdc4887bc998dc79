// Package repo locates and lays out a pipeguard workspace.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/fsutil"
)

const (
	FormatVersion     = 1
	DirName           = ".pipeguard"
	FormatVersionFile = "format_version"
	WorkspaceIDFile   = "workspace_id"
	RootEnv           = "PIPEGUARD_ROOT"
)

// Repo is an initialized pipeguard workspace.
type Repo struct {
	Root          string
	FormatVersion int
	WorkspaceID   string
}

// Init creates the workspace layout under path. It is idempotent.
func Init(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	r := &Repo{Root: abs, FormatVersion: FormatVersion}

	for _, dir := range []string{r.Dir(), r.LocksDir(), r.BackupsDir(), r.CheckpointsDir(),
		r.BreakersDir(), r.AuditDir(), r.SignalsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errclass.Classify(fmt.Errorf("create directory %s: %w", dir, err), errclass.ErrGeneral)
		}
	}

	versionPath := filepath.Join(r.Dir(), FormatVersionFile)
	if _, err := os.Stat(versionPath); os.IsNotExist(err) {
		if err := fsutil.AtomicWrite(versionPath, []byte(fmt.Sprintf("%d\n", FormatVersion)), 0644); err != nil {
			return nil, fmt.Errorf("write format_version: %w", err)
		}
	}

	idPath := filepath.Join(r.Dir(), WorkspaceIDFile)
	if id, err := readWorkspaceID(r.Dir()); err == nil && id != "" {
		r.WorkspaceID = id
	} else {
		r.WorkspaceID = uuid.NewString()
		if err := fsutil.AtomicWrite(idPath, []byte(r.WorkspaceID+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("write workspace_id: %w", err)
		}
	}

	if err := fsutil.FsyncDir(abs); err != nil {
		return nil, fmt.Errorf("fsync workspace root: %w", err)
	}
	return r, nil
}

// Open returns the workspace rooted exactly at root.
func Open(root string) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	dir := filepath.Join(abs, DirName)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errclass.ErrNotInitialized.WithMessagef("no %s directory in %s (run 'pipeguard init')", DirName, abs)
	}
	version, err := readFormatVersion(dir)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrConfiguration.WithMessagef(
			"format version %d > supported %d", version, FormatVersion)
	}
	id, _ := readWorkspaceID(dir)
	return &Repo{Root: abs, FormatVersion: version, WorkspaceID: id}, nil
}

// Discover resolves the workspace: $PIPEGUARD_ROOT if set, otherwise the nearest
// ancestor of cwd containing .pipeguard/.
func Discover(cwd string) (*Repo, error) {
	if env := os.Getenv(RootEnv); env != "" {
		return Open(env)
	}
	path := cwd
	for {
		if info, err := os.Stat(filepath.Join(path, DirName)); err == nil && info.IsDir() {
			return Open(path)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return nil, errclass.ErrNotInitialized.WithMessagef(
				"no pipeguard workspace found (no %s/ in parent directories)", DirName)
		}
		path = parent
	}
}

// Dir is the .pipeguard directory.
func (r *Repo) Dir() string { return filepath.Join(r.Root, DirName) }

// LocksDir holds one file per lock holder.
func (r *Repo) LocksDir() string { return filepath.Join(r.Dir(), "locks") }

// StatePath is the live state document.
func (r *Repo) StatePath() string { return filepath.Join(r.Dir(), "state.json") }

// BackupsDir holds automatic state backups.
func (r *Repo) BackupsDir() string { return filepath.Join(r.Dir(), "backups") }

// CheckpointsDir holds one directory per checkpoint.
func (r *Repo) CheckpointsDir() string { return filepath.Join(r.Dir(), "checkpoints") }

// BreakersDir holds one file per circuit breaker.
func (r *Repo) BreakersDir() string { return filepath.Join(r.Dir(), "breakers") }

// AuditDir holds the mutation journal.
func (r *Repo) AuditDir() string { return filepath.Join(r.Dir(), "audit") }

// AuditPath is the mutation journal file.
func (r *Repo) AuditPath() string { return filepath.Join(r.AuditDir(), "audit.jsonl") }

// SignalsDir holds signal files written by pipeline steps.
func (r *Repo) SignalsDir() string { return filepath.Join(r.Dir(), "signals") }

// ConfigPath is the YAML configuration file.
func (r *Repo) ConfigPath() string { return filepath.Join(r.Dir(), "config.yaml") }

func readFormatVersion(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, FormatVersionFile))
	if err != nil {
		return 0, errclass.ErrNotInitialized.WithMessagef("read format_version: %v", err)
	}
	var version int
	if _, err := fmt.Sscanf(string(data), "%d", &version); err != nil {
		return 0, errclass.ErrConfiguration.WithMessagef("parse format_version: %v", err)
	}
	return version, nil
}

func readWorkspaceID(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, WorkspaceIDFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
