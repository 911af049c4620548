package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (build with -tags sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run statuses as persisted. Derived from the scheduler's (success, timeout)
// pair at the journal edge.
const (
	RunSuccess = "success"
	RunFailure = "failure"
	RunTimeout = "timeout"
)

// RunEntry records one completed agent execution.
// Keep it compact and schema-stable.
type RunEntry struct {
	At         time.Time `json:"at"`
	Agent      string    `json:"agent"`
	Status     string    `json:"status"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorCount uint      `json:"error_count,omitempty"`
}

// PositionEntry records one ledger transition
// (registered, updated, removed, evicted).
type PositionEntry struct {
	At         time.Time `json:"at"`
	Event      string    `json:"event"`
	Token      string    `json:"token"`
	Agent      string    `json:"agent,omitempty"`
	SizeUSD    float64   `json:"size_usd,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
