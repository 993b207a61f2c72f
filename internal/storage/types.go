package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": <path minus extension>.audit.jsonl
//   - "sqlite": SQLite database file at path
//
// An empty driver, "none", "off" or "disabled" turns storage off.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one job lifecycle event. Credentials never reach it.
type Entry struct {
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	Event     string    `json:"event"`
	Target    string    `json:"target,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Total     int       `json:"total,omitempty"`
	Delivered int       `json:"delivered,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Skipped   int       `json:"skipped,omitempty"`
}
