package state_test

import (
	"testing"

	"github.com/jvs-project/pipeguard/internal/state"
	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"minimal", `{"schemaVersion":"1.1","phase":"a","completedTasks":[],"signals":{}}`, false},
		{"extra fields", `{"schemaVersion":"1.1","phase":"a","completedTasks":["x"],"signals":{},"custom":[1]}`, false},
		{"empty", ``, true},
		{"malformed", `{"phase":`, true},
		{"array", `[]`, true},
		{"null", `null`, true},
		{"missing phase", `{"completedTasks":[],"signals":{}}`, true},
		{"phase not string", `{"phase":1,"completedTasks":[],"signals":{}}`, true},
		{"tasks not array", `{"phase":"a","completedTasks":{},"signals":{}}`, true},
		{"task not string", `{"phase":"a","completedTasks":[1],"signals":{}}`, true},
		{"missing signals", `{"phase":"a","completedTasks":[]}`, true},
		{"signals not object", `{"phase":"a","completedTasks":[],"signals":[]}`, true},
		{"metadata not object", `{"phase":"a","completedTasks":[],"signals":{},"metadata":"x"}`, true},
		{"bad timestamp", `{"phase":"a","completedTasks":[],"signals":{},"lastModified":"yesterday"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := state.Validate([]byte(tt.doc))
			if tt.wantErr {
				require.ErrorIs(t, err, errclass.ErrValidationFailed)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidate_SchemaVersionMismatchIsWarning(t *testing.T) {
	warnings, err := state.Validate([]byte(`{"schemaVersion":"0.1","phase":"a","completedTasks":[],"signals":{}}`))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "0.1")
}
