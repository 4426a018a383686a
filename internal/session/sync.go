package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inferhost/internal/metrics"
	"github.com/kalambet/inferhost/internal/storage"
)

// RunRecorder persists sync history.
type RunRecorder interface {
	RecordSyncRun(r storage.SyncRun) error
}

// SyncResult summarises one Sync.
type SyncResult struct {
	Sessions Map  `json:"sessions"`
	Merged   int  `json:"merged"`
	Pushed   bool `json:"pushed"`
	Offline  bool `json:"offline"`
}

// Syncer reconciles the local session file with the online backend.
type Syncer struct {
	store    *FileStore
	remote   Remote
	recorder RunRecorder
	logger   *slog.Logger
}

// NewSyncer wires a Syncer. remote and recorder may be nil.
func NewSyncer(store *FileStore, remote Remote, recorder RunRecorder) *Syncer {
	return &Syncer{store: store, remote: remote, recorder: recorder, logger: slog.Default()}
}

// Store returns the local session file.
func (s *Syncer) Store() *FileStore { return s.store }

// Sync loads local sessions, fetches and merges the remote copy, saves the
// result locally and pushes it back. When the backend is unreachable the
// local map is returned unchanged and Offline is set.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	run := storage.SyncRun{ID: uuid.NewString(), StartedAt: time.Now()}
	res, err := s.sync(ctx, &run)
	run.Duration = time.Since(run.StartedAt)
	run.Pushed = res.Pushed
	run.Offline = res.Offline
	if err != nil {
		run.Error = err.Error()
	}
	if s.recorder != nil {
		if rerr := s.recorder.RecordSyncRun(run); rerr != nil {
			s.logger.Warn("recording sync run failed", "error", rerr)
		}
	}
	return res, err
}

func (s *Syncer) sync(ctx context.Context, run *storage.SyncRun) (SyncResult, error) {
	local, err := s.store.Load()
	if err != nil {
		return SyncResult{}, err
	}
	run.LocalCount = len(local)

	if s.remote == nil {
		return SyncResult{Sessions: local, Offline: true}, nil
	}

	remote, err := s.remote.Fetch(ctx)
	if errors.Is(err, ErrOffline) {
		s.logger.Info("session backend offline, keeping local sessions", "error", err)
		return SyncResult{Sessions: local, Offline: true}, nil
	}
	if err != nil {
		return SyncResult{Sessions: local}, fmt.Errorf("fetching remote sessions: %w", err)
	}
	run.RemoteCount = len(remote)

	merged := Merge(local, remote)
	metrics.IncSessionMerge()
	n := 0
	for _, sess := range merged {
		if sess.Merged {
			n++
		}
	}
	run.MergedCount = n
	res := SyncResult{Sessions: merged, Merged: n}

	if err := s.store.Save(merged); err != nil {
		return res, err
	}

	if err := s.remote.Push(ctx, merged); err != nil {
		if errors.Is(err, ErrOffline) {
			res.Offline = true
			return res, nil
		}
		return res, fmt.Errorf("pushing merged sessions: %w", err)
	}
	res.Pushed = true
	s.logger.Info("sessions synced", "local", run.LocalCount, "remote", run.RemoteCount, "merged", n)
	return res, nil
}
