package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// LockKind distinguishes exclusive from shared holders.
type LockKind string

const (
	LockExclusive LockKind = "exclusive"
	LockShared    LockKind = "shared"
)

// Valid reports whether k is a known lock kind.
func (k LockKind) Valid() bool {
	return k == LockExclusive || k == LockShared
}

// LockState is the result of checking a named lock.
type LockState string

const (
	LockStateUnlocked LockState = "unlocked"
	LockStateLocked   LockState = "locked"
	LockStateStale    LockState = "stale"
)

// BreakerPosition is the state of a circuit breaker.
type BreakerPosition string

const (
	BreakerClosed   BreakerPosition = "closed"
	BreakerOpen     BreakerPosition = "open"
	BreakerHalfOpen BreakerPosition = "half-open"
)
