// Package status fans operator-facing indicator changes out to whatever
// drives the physical lights, and remembers the latest one for diagnostics.
package status

import (
	"context"
	"log"
	"sync"
	"time"
)

// Indicator is a coarse device state shown to the operator.
type Indicator string

const (
	Idle           Indicator = "idle"
	Ready          Indicator = "ready"
	Capturing      Indicator = "capturing"
	Recording      Indicator = "recording"
	Uploading      Indicator = "uploading"
	UploadOK       Indicator = "upload_ok"
	UploadError    Indicator = "upload_error"
	StorageWarning Indicator = "storage_warning"
	Offline        Indicator = "offline"
	Error          Indicator = "error"
)

// Sink receives indicator changes. Implementations must not block for long;
// callers treat delivery as best effort.
type Sink interface {
	Set(ctx context.Context, ind Indicator)
}

// Tracker remembers the latest indicator and forwards every change to its sinks.
type Tracker struct {
	mu      sync.RWMutex
	current Indicator
	changed time.Time
	sinks   []Sink
}

// NewTracker starts in Idle.
func NewTracker(sinks ...Sink) *Tracker {
	return &Tracker{current: Idle, changed: time.Now(), sinks: sinks}
}

// Set records ind and forwards it outside the lock.
func (t *Tracker) Set(ctx context.Context, ind Indicator) {
	t.mu.Lock()
	t.current = ind
	t.changed = time.Now()
	sinks := t.sinks
	t.mu.Unlock()

	for _, s := range sinks {
		s.Set(ctx, ind)
	}
}

// Current returns the latest indicator and when it was set.
func (t *Tracker) Current() (Indicator, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.changed
}

// LogSink writes indicator changes to the process log.
type LogSink struct{}

func (LogSink) Set(_ context.Context, ind Indicator) {
	log.Printf("status: indicator=%s", ind)
}
