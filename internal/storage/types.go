package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit store.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AnomalyEntry records one timer protocol anomaly.
// Keep it compact and schema-stable.
type AnomalyEntry struct {
	At      time.Time `json:"at"`
	Service string    `json:"service"`
	Op      string    `json:"op"`
	Issue   string    `json:"issue"`
	Arg     string    `json:"arg"`
	Stack   string    `json:"stack,omitempty"`
}
