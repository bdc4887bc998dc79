package cli

import (
	"fmt"
	"strings"

	"github.com/jvs-project/pipeguard/pkg/color"
	"github.com/jvs-project/pipeguard/pkg/model"
)

// suggestCheckpoints returns a hint for a checkpoint id that was not found.
// Candidates match the query as an id prefix, then as a substring of the id.
func suggestCheckpoints(query string, all []*model.Checkpoint) string {
	if len(all) == 0 {
		return fmt.Sprintf("No checkpoints exist yet. Run %s first.", color.Code("pipeguard checkpoint create <operation>"))
	}

	var matches []string
	for _, cp := range all {
		if strings.HasPrefix(string(cp.ID), query) {
			matches = append(matches, color.Success(string(cp.ID)))
		}
	}
	if len(matches) == 0 {
		q := strings.ToLower(query)
		for _, cp := range all {
			if strings.Contains(strings.ToLower(string(cp.ID)), q) {
				matches = append(matches, color.Success(string(cp.ID)))
			}
		}
	}
	if len(matches) > 3 {
		matches = matches[:3]
	}
	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}
	return fmt.Sprintf("Run %s to see available checkpoints.", color.Code("pipeguard checkpoint list"))
}

// suggestInit provides a suggestion to initialize a workspace.
func suggestInit() string {
	return fmt.Sprintf("Run %s to create a workspace, or pass --root.", color.Code("pipeguard init"))
}
