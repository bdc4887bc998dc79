package model

import "time"

// BreakerState is persisted at .pipeguard/breakers/<dependency>.json.
type BreakerState struct {
	Dependency     string          `json:"dependency"`
	State          BreakerPosition `json:"state"`
	FailureCount   int             `json:"failure_count"`
	LastFailureAt  time.Time       `json:"last_failure_at,omitzero"`
	OpenedAt       time.Time       `json:"opened_at,omitzero"`
	TrialStartedAt time.Time       `json:"trial_started_at,omitzero"`
}
