package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// Validate checks a raw state document. Schema-version drift is reported as a
// warning, never as an error.
func Validate(data []byte) (warnings []string, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errclass.ErrValidationFailed.WithMessage("state document is empty")
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("state document is not a JSON object: %v", err)
	}
	if fields == nil {
		return nil, errclass.ErrValidationFailed.WithMessage("state document is null")
	}

	phase, ok := fields["phase"]
	if !ok {
		return nil, missing("phase")
	}
	if _, ok := phase.(string); !ok {
		return nil, wrongType("phase", "string")
	}

	tasks, ok := fields["completedTasks"]
	if !ok {
		return nil, missing("completedTasks")
	}
	list, ok := tasks.([]any)
	if !ok {
		return nil, wrongType("completedTasks", "array")
	}
	for i, t := range list {
		if _, ok := t.(string); !ok {
			return nil, errclass.ErrValidationFailed.WithMessagef("completedTasks[%d] must be a string", i)
		}
	}

	signals, ok := fields["signals"]
	if !ok {
		return nil, missing("signals")
	}
	if _, ok := signals.(map[string]any); !ok {
		return nil, wrongType("signals", "object")
	}

	if v, ok := fields["metadata"]; ok && v != nil {
		if _, ok := v.(map[string]any); !ok {
			return nil, wrongType("metadata", "object")
		}
	}
	if v, ok := fields["lastActivation"]; ok && v != nil {
		if _, ok := v.(string); !ok {
			return nil, wrongType("lastActivation", "string")
		}
	}
	if v, ok := fields["degradedMode"]; ok && v != nil {
		if _, ok := v.(map[string]any); !ok {
			return nil, wrongType("degradedMode", "object")
		}
	}

	// Typed decode catches malformed timestamps and the like.
	var doc model.StateDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("state document does not decode: %v", err)
	}

	switch v := fields["schemaVersion"].(type) {
	case string:
		if v != model.CurrentSchemaVersion {
			warnings = append(warnings, fmt.Sprintf("schemaVersion %q differs from current %q (run 'pipeguard state migrate')", v, model.CurrentSchemaVersion))
		}
	case nil:
		warnings = append(warnings, "schemaVersion missing")
	default:
		warnings = append(warnings, "schemaVersion is not a string")
	}
	return warnings, nil
}

// ValidateDocument checks doc through its JSON encoding.
func ValidateDocument(doc *model.StateDocument) ([]string, error) {
	if doc == nil {
		return nil, errclass.ErrValidationFailed.WithMessage("state document is nil")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errclass.ErrValidationFailed.WithMessagef("encode state document: %v", err)
	}
	return Validate(data)
}

func missing(field string) error {
	return errclass.ErrValidationFailed.WithMessagef("required field %q is missing", field)
}

func wrongType(field, want string) error {
	return errclass.ErrValidationFailed.WithMessagef("field %q must be %s", field, want)
}
