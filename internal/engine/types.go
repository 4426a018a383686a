package engine

import (
	"time"

	"github.com/kalambet/inferhost/internal/storage"
)

// Recorder persists installations and process lifetimes. *storage.Store
// satisfies it.
type Recorder interface {
	SaveInstallation(in storage.Installation) error
	StartEngineRun(r storage.EngineRun) error
	FinishEngineRun(id string, stoppedAt time.Time, forced bool, exitErr string) error
}

// Status is a snapshot of the runtime.
type Status struct {
	State     string   `json:"state"`
	PID       int      `json:"pid,omitempty"`
	Version   string   `json:"version,omitempty"`
	External  bool     `json:"external"`
	Reachable bool     `json:"reachable"`
	Host      string   `json:"host"`
	Platform  string   `json:"platform"`
	Installed []string `json:"installed"`
}

// ServeResult describes how Serve satisfied the request.
type ServeResult struct {
	Version    string `json:"version,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Downloaded bool   `json:"downloaded"`
	// External is set when an engine was already listening and no process
	// was spawned.
	External bool `json:"external"`
}
