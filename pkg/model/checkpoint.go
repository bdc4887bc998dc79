package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// CheckpointID is <yyyymmddThhmmssZ>-<operation>-<rand6hex>.
type CheckpointID string

// NewCheckpointID generates a collision-resistant id from the time and operation name.
// operation must already be a validated name.
func NewCheckpointID(now time.Time, operation string) CheckpointID {
	var randBytes [3]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return CheckpointID(fmt.Sprintf("%s-%s-%s",
		now.UTC().Format("20060102T150405Z"), operation, hex.EncodeToString(randBytes[:])))
}

func (id CheckpointID) String() string {
	return string(id)
}

// Checkpoint is the metadata record stored at .pipeguard/checkpoints/<id>/checkpoint.json.
// Its presence marks the checkpoint as complete.
type Checkpoint struct {
	ID          CheckpointID   `json:"id"`
	Operation   string         `json:"operation"`
	Phase       string         `json:"phase"`
	Timestamp   time.Time      `json:"timestamp"`
	Owner       string         `json:"owner"`
	Host        string         `json:"host"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StateDigest HashValue      `json:"state_digest"`
	Artifacts   []string       `json:"artifacts,omitempty"`
}
