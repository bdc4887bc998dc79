package model

import "time"

// Lock is stored at .pipeguard/locks/<name>.lock (exclusive) or
// .pipeguard/locks/<name>.shared.<token>.lock (shared).
type Lock struct {
	Name       string            `json:"name"`
	Kind       LockKind          `json:"kind"`
	OwnerToken string            `json:"owner_token"`
	PID        int               `json:"pid"`
	Host       string            `json:"host"`
	AcquiredAt time.Time         `json:"acquired_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Age returns how long the lock has been held.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// LockInfo is a lock record as seen by a sweep, with its staleness verdict.
type LockInfo struct {
	Lock
	Path        string `json:"path"`
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
}
