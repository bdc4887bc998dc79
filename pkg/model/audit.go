package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventTypeStateWrite        AuditEventType = "state_write"
	EventTypeStateRecover      AuditEventType = "state_recover"
	EventTypeStateMigrate      AuditEventType = "state_migrate"
	EventTypeCheckpointCreate  AuditEventType = "checkpoint_create"
	EventTypeCheckpointRestore AuditEventType = "checkpoint_restore"
	EventTypeCheckpointDelete  AuditEventType = "checkpoint_delete"
	EventTypeLockReap          AuditEventType = "lock_reap"
	EventTypeDegradedEnable    AuditEventType = "degraded_enable"
	EventTypeDegradedDisable   AuditEventType = "degraded_disable"
	EventTypeBreakerTransition AuditEventType = "breaker_transition"
	EventTypeConfigReset       AuditEventType = "config_reset"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Subject    string         `json:"subject,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
