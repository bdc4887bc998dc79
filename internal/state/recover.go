package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// CorruptSuffix marks a live file that failed validation and was set aside by Recover.
const CorruptSuffix = ".corrupt-"

// RecoverAction is what Recover did.
type RecoverAction string

const (
	RecoverNone     RecoverAction = "none"
	RecoverRestored RecoverAction = "restored"
	RecoverDefault  RecoverAction = "default"
)

// RecoverResult describes a Recover run.
type RecoverResult struct {
	Action    RecoverAction `json:"action"`
	Backup    string        `json:"backup,omitempty"`
	Skipped   []string      `json:"skipped,omitempty"`
	Preserved string        `json:"preserved,omitempty"`
}

// Recover restores the newest valid backup whose name matches pattern (a glob or
// a substring; empty matches all). It does nothing when the live document is
// valid and force is false. With no valid backup it writes a default document
// tagged metadata.recovered=true.
func (s *Store) Recover(ctx context.Context, pattern string, force bool) (*RecoverResult, error) {
	var result *RecoverResult
	err := s.WithLock(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.Recover(pattern, force)
		return err
	})
	return result, err
}

// Recover is Store.Recover inside an existing critical section.
func (tx *Tx) Recover(pattern string, force bool) (*RecoverResult, error) {
	s := tx.s
	result := &RecoverResult{Action: RecoverNone}

	raw, err := tx.LoadRaw()
	if err != nil {
		return nil, err
	}
	liveValid := true
	if raw != nil {
		if _, err := Validate(raw); err != nil {
			liveValid = false
		}
	}
	if liveValid && !force {
		return result, nil
	}

	if raw != nil && !liveValid {
		preserved := s.path + CorruptSuffix + s.now().UTC().Format("20060102T150405.000000000Z")
		if err := os.Rename(s.path, preserved); err != nil {
			return nil, ioErr("preserve corrupt state", err)
		}
		result.Preserved = preserved
		s.log.Warn("corrupt state set aside", map[string]any{"path": preserved})
	}

	backups, err := s.ListBackups()
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if !matchBackup(pattern, b.Name) {
			continue
		}
		data, err := os.ReadFile(b.Path)
		if err != nil {
			result.Skipped = append(result.Skipped, b.Name)
			continue
		}
		if _, err := Validate(data); err != nil {
			s.log.Warn("skipping invalid backup", map[string]any{"backup": b.Name, "error": err.Error()})
			result.Skipped = append(result.Skipped, b.Name)
			continue
		}
		var doc model.StateDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			result.Skipped = append(result.Skipped, b.Name)
			continue
		}
		if _, err := tx.Commit(&doc, "recover"); err != nil {
			return nil, fmt.Errorf("restore backup %s: %w", b.Name, err)
		}
		result.Action = RecoverRestored
		result.Backup = b.Name
		tx.journalRecover(result)
		return result, nil
	}

	doc := model.DefaultState()
	doc.Metadata["recovered"] = true
	doc.Metadata["recoveredAt"] = s.now().UTC().Format(time.RFC3339)
	if _, err := tx.Commit(doc, "recover-default"); err != nil {
		return nil, errclass.ErrStateCorruption.Wrap(err, "write default state")
	}
	result.Action = RecoverDefault
	tx.journalRecover(result)
	return result, nil
}

func (tx *Tx) journalRecover(r *RecoverResult) {
	s := tx.s
	s.log.Warn("state recovered", map[string]any{"action": string(r.Action), "backup": r.Backup, "skipped": len(r.Skipped)})
	if err := s.audit.Append(model.EventTypeStateRecover, LockName, map[string]any{
		"action":  string(r.Action),
		"backup":  r.Backup,
		"skipped": r.Skipped,
	}); err != nil {
		s.log.WarnErr("audit state recover", err)
	}
}

// CorruptLeftovers lists files set aside by Recover.
func (s *Store) CorruptLeftovers() []string {
	matches, _ := filepath.Glob(s.path + CorruptSuffix + "*")
	return matches
}

func matchBackup(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	if ok, err := filepath.Match(pattern, name); err == nil && ok {
		return true
	}
	return strings.Contains(name, pattern)
}
