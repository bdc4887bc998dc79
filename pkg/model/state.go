package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the schema version stamped on every write.
const CurrentSchemaVersion = "1.1"

// DefaultPhase is the phase of a pipeline that has never been written.
const DefaultPhase = "pre-init"

// StateDocument is the shared pipeline state stored at .pipeguard/state.json.
//
// Top-level fields not modelled here are kept in Extra and written back unchanged.
type StateDocument struct {
	SchemaVersion  string         `json:"schemaVersion"`
	Phase          string         `json:"phase"`
	CompletedTasks []string       `json:"completedTasks"`
	Signals        map[string]any `json:"signals"`
	LastActivation *string        `json:"lastActivation,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Created        time.Time      `json:"created,omitzero"`
	LastModified   time.Time      `json:"lastModified,omitzero"`
	DegradedMode   *DegradedMode  `json:"degradedMode,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// DegradedMode records that the pipeline runs with reduced functionality.
type DegradedMode struct {
	Enabled          bool      `json:"enabled"`
	Reason           string    `json:"reason,omitempty"`
	DisabledFeatures []string  `json:"disabledFeatures,omitempty"`
	Since            time.Time `json:"since,omitzero"`
}

// DefaultState returns the compiled-in document used when no state file exists.
func DefaultState() *StateDocument {
	return &StateDocument{
		SchemaVersion:  CurrentSchemaVersion,
		Phase:          DefaultPhase,
		CompletedTasks: []string{},
		Signals:        map[string]any{},
		Metadata:       map[string]any{},
	}
}

// Normalize replaces nil collections with empty ones so they serialize as [] and {}.
// A null or absent metadata therefore reads back as {}.
func (d *StateDocument) Normalize() {
	if d.CompletedTasks == nil {
		d.CompletedTasks = []string{}
	}
	if d.Signals == nil {
		d.Signals = map[string]any{}
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
}

// Clone returns a deep copy through the JSON encoding.
func (d *StateDocument) Clone() (*StateDocument, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out StateDocument
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsDegraded reports whether degraded mode is enabled.
func (d *StateDocument) IsDegraded() bool {
	return d.DegradedMode != nil && d.DegradedMode.Enabled
}

// stateFields is StateDocument without its methods, so the codec does not recurse.
type stateFields StateDocument

var knownStateKeys = map[string]bool{
	"schemaVersion":  true,
	"phase":          true,
	"completedTasks": true,
	"signals":        true,
	"lastActivation": true,
	"metadata":       true,
	"created":        true,
	"lastModified":   true,
	"degradedMode":   true,
}

func (d *StateDocument) UnmarshalJSON(data []byte) error {
	var fields stateFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownStateKeys[k] {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[k] = v
	}
	*d = StateDocument(fields)
	return nil
}

func (d StateDocument) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(stateFields(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(d.Extra)+len(knownStateKeys))
	for k, v := range d.Extra {
		if knownStateKeys[k] {
			return nil, fmt.Errorf("extra field %q shadows a state field", k)
		}
		merged[k] = v
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(known, &base); err != nil {
		return nil, err
	}
	for k, v := range base {
		merged[k] = v
	}
	return json.Marshal(merged)
}
