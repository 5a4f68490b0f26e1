package session

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/telemetry"
)

// Source fetches the backend's current session. A nil session with a nil
// error means no session is open.
type Source interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
}

// Syncer polls Source and applies the result to State.
type Syncer struct {
	source   Source
	state    *State
	interval time.Duration
	status   status.Sink
	online   atomic.Bool
}

// NewSyncer builds a syncer. sink may be nil.
func NewSyncer(src Source, state *State, interval time.Duration, sink status.Sink) *Syncer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Syncer{source: src, state: state, interval: interval, status: sink}
}

// Online reports whether the most recent poll reached the backend.
func (s *Syncer) Online() bool {
	return s.online.Load()
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one poll. On failure the previous state is kept.
func (s *Syncer) Tick(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.interval*5)
	remote, err := s.source.CurrentSession(pollCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		telemetry.SessionSyncErrors.Inc()
		if s.online.Swap(false) {
			log.Printf("sync: backend lost, keeping last session: %v", err)
			s.setStatus(ctx, status.Offline)
		} else {
			log.Printf("sync: poll failed: %v", err)
		}
		return
	}

	wasOnline := s.online.Swap(true)
	before := s.state.Snapshot().Ready()
	if s.state.Apply(remote) {
		snap := s.state.Snapshot()
		log.Printf("sync: session=%s piece=%s status=%s", deref(snap.SessionID), deref(snap.CurrentPieceID), snap.Status)
	}
	after := s.state.Snapshot().Ready()
	if !wasOnline || before != after {
		if after {
			s.setStatus(ctx, status.Ready)
		} else {
			s.setStatus(ctx, status.Idle)
		}
	}
}

func (s *Syncer) setStatus(ctx context.Context, ind status.Indicator) {
	if s.status != nil {
		s.status.Set(ctx, ind)
	}
}

func deref(p *string) string {
	if p == nil {
		return "-"
	}
	return *p
}
