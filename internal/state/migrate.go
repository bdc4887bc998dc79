package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// legacyVersion is assumed for documents written before schemaVersion existed.
const legacyVersion = "1.0"

// transform upgrades a decoded document in place.
type transform func(fields map[string]any, now time.Time)

// migrations are keyed by the version they upgrade from.
var migrations = map[string]transform{
	"1.0": func(fields map[string]any, _ time.Time) {
		if _, ok := fields["signals"]; !ok {
			fields["signals"] = map[string]any{}
		}
		if _, ok := fields["lastActivation"]; !ok {
			fields["lastActivation"] = ""
		}
		if _, ok := fields["metadata"]; !ok {
			fields["metadata"] = map[string]any{}
		}
	},
}

// MigrateResult describes a Migrate run.
type MigrateResult struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Changed bool   `json:"changed"`
	Backup  string `json:"backup,omitempty"`
}

// Migrate upgrades the live document to CurrentSchemaVersion.
func (s *Store) Migrate(ctx context.Context) (*MigrateResult, error) {
	var result *MigrateResult
	err := s.WithLock(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.migrate()
		return err
	})
	return result, err
}

func (tx *Tx) migrate() (*MigrateResult, error) {
	s := tx.s
	result := &MigrateResult{To: model.CurrentSchemaVersion}

	raw, err := tx.LoadRaw()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		result.From = model.CurrentSchemaVersion
		return result, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errclass.ErrStateCorruption.WithMessage("state is not a JSON object; run 'pipeguard state recover' first")
	}
	from, _ := fields["schemaVersion"].(string)
	if from == "" {
		from = legacyVersion
	}
	result.From = from
	if from == model.CurrentSchemaVersion {
		return result, nil
	}

	backup, err := tx.Backup("pre-migrate-" + from)
	if err != nil {
		return nil, fmt.Errorf("pre-migration backup: %w", err)
	}
	result.Backup = backup.Name

	now := s.now().UTC()
	if fn, ok := migrations[from]; ok {
		fn(fields, now)
	}
	meta, _ := fields["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["migratedFrom"] = from
	meta["migratedAt"] = now.Format(time.RFC3339)
	fields["metadata"] = meta
	fields["schemaVersion"] = model.CurrentSchemaVersion

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode migrated state: %w", err)
	}
	if _, err := Validate(data); err != nil {
		return nil, fmt.Errorf("migrated state from %s: %w", from, err)
	}
	var doc model.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("decode migrated state: %v", err)
	}
	if _, err := tx.Commit(&doc, "migrate"); err != nil {
		return nil, err
	}
	result.Changed = true

	s.log.Info("state migrated", map[string]any{"from": from, "to": model.CurrentSchemaVersion})
	if err := s.audit.Append(model.EventTypeStateMigrate, LockName, map[string]any{
		"from":   from,
		"to":     model.CurrentSchemaVersion,
		"backup": backup.Name,
	}); err != nil {
		s.log.WarnErr("audit state migrate", err)
	}
	return result, nil
}
