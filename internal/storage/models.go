package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Installation is an engine build unpacked on disk.
type Installation struct {
	Version     string    `json:"version"`
	Platform    string    `json:"platform"`
	Root        string    `json:"root"`
	Executable  string    `json:"executable"`
	Digest      string    `json:"digest"`
	SizeBytes   int64     `json:"size_bytes"`
	InstalledAt time.Time `json:"installed_at"`
}

// EngineRun is one supervised engine process lifetime.
type EngineRun struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"` // zero while running
	ForcedStop bool      `json:"forced_stop"`
	ExitError  string    `json:"exit_error,omitempty"`
}

// SyncRun records one local/remote session reconciliation.
type SyncRun struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	LocalCount  int           `json:"local_count"`
	RemoteCount int           `json:"remote_count"`
	MergedCount int           `json:"merged_count"`
	Pushed      bool          `json:"pushed"`
	Offline     bool          `json:"offline"`
	Error       string        `json:"error,omitempty"`
}
