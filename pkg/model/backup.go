package model

import "time"

// Backup describes one file under .pipeguard/backups.
type Backup struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}
