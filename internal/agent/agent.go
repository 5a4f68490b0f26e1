// Package agent implements the operator actions: capturing photos, flagging
// defects by voice and completing pieces. Each action is gated on the
// current session snapshot and ends in a durable queue write.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"edge-capture-agent/internal/capture"
	"edge-capture-agent/internal/config"
	"edge-capture-agent/internal/input"
	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/session"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/telemetry"
	"edge-capture-agent/internal/voice"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrNoActivePiece   = errors.New("no active piece")
	ErrNoTranscript    = errors.New("no transcript")
)

// Queue is where actions record their events.
type Queue interface {
	Enqueue(ctx context.Context, kind models.Kind, payload map[string]any) (int64, error)
}

// Storage names capture files and keeps their total within quota. Reserve
// shields a capture from trimming until its event is queued.
type Storage interface {
	BuildPhotoPath(sessionID string, ts time.Time) string
	BuildAudioPath(sessionID string, ts time.Time) string
	Reserve(path string) (release func())
	EnforceCapacity(ctx context.Context) (models.StorageStatus, error)
}

// Agent owns the session state and runs operator actions against it.
type Agent struct {
	state    *session.State
	queue    Queue
	storage  Storage
	camera   capture.Camera
	recorder voice.Recorder
	status   status.Sink

	photoMaxWidth int
	jpegQuality   int
	warnRatio     float64
	warnLimit     *rate.Limiter

	actionTimeout time.Duration
	lifeMu        sync.Mutex
	closed        bool
	active        sync.WaitGroup

	clockMu sync.Mutex
	lastTS  time.Time
	now     func() time.Time
}

// New wires an agent. recorder may be nil (voice unavailable); sink may be nil.
func New(cfg config.Config, state *session.State, q Queue, storage Storage, cam capture.Camera, recorder voice.Recorder, sink status.Sink) *Agent {
	if recorder == nil {
		recorder = voice.Disabled{}
	}
	warn := cfg.StorageWarnRatio
	if warn <= 0 {
		warn = 0.8
	}
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Agent{
		state:         state,
		queue:         q,
		storage:       storage,
		camera:        cam,
		recorder:      recorder,
		status:        sink,
		photoMaxWidth: cfg.PhotoMaxWidth,
		jpegQuality:   cfg.JPEGQuality,
		warnRatio:     warn,
		warnLimit:     rate.NewLimiter(rate.Every(time.Minute), 1),
		actionTimeout: timeout,
		now:           time.Now,
	}
}

// State exposes the session state for the syncer and diagnostics.
func (a *Agent) State() *session.State { return a.state }

type target struct {
	sessionID string
	pieceID   string
	lotCode   string
	piece     models.PieceStatus
}

// activeTarget checks the snapshot preconditions shared by every action.
func (a *Agent) activeTarget(action string) (target, error) {
	snap := a.state.Snapshot()
	if snap.SessionID == nil || snap.Status != models.SessionActive {
		telemetry.ActionsSkipped.WithLabelValues(action).Inc()
		return target{}, ErrNoActiveSession
	}
	if snap.CurrentPieceID == nil {
		telemetry.ActionsSkipped.WithLabelValues(action).Inc()
		return target{}, ErrNoActivePiece
	}
	t := target{sessionID: *snap.SessionID, pieceID: *snap.CurrentPieceID, piece: snap.PieceStatus}
	if snap.LotCode != nil {
		t.lotCode = *snap.LotCode
	}
	return t, nil
}

// Capture takes a photo of the current piece and queues it for upload.
func (a *Agent) Capture(ctx context.Context) error {
	tgt, err := a.activeTarget("capture")
	if err != nil {
		return err
	}

	a.setStatus(ctx, status.Capturing)
	img, err := a.camera.Capture(ctx)
	if err != nil {
		a.setStatus(ctx, status.Error)
		return fmt.Errorf("capture frame: %w", err)
	}

	ts := a.timestamp()
	path := a.storage.BuildPhotoPath(tgt.sessionID, ts)
	release := a.storage.Reserve(path)
	defer release()
	size, err := capture.WritePhoto(img, path, a.photoMaxWidth, a.jpegQuality)
	if err != nil {
		a.setStatus(ctx, status.Error)
		return fmt.Errorf("write photo: %w", err)
	}

	payload := map[string]any{
		models.FieldPath:       path,
		models.FieldSessionID:  tgt.sessionID,
		models.FieldPieceID:    tgt.pieceID,
		models.FieldCapturedAt: ts.UTC().Format(time.RFC3339Nano),
	}
	if tgt.lotCode != "" {
		payload[models.FieldLotCode] = tgt.lotCode
	}
	id, err := a.enqueue(ctx, models.KindPhoto, payload)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("agent: remove unqueued photo %s: %v", path, rmErr)
		}
		a.setStatus(ctx, status.Error)
		return err
	}
	release()
	log.Printf("agent: photo queued id=%d piece=%s bytes=%d", id, tgt.pieceID, size)
	a.setStatus(ctx, status.Ready)

	a.checkStorage(ctx)
	return nil
}

// FlagDefect records a voice note for the current piece and queues a defect
// (or potential defect) flag. Without a transcript nothing is queued.
func (a *Agent) FlagDefect(ctx context.Context, severity models.PieceStatus) error {
	kind, action, label := models.KindFlagDefect, "flag_defect", "defect"
	if severity == models.PiecePotentialDefect {
		kind, action, label = models.KindFlagPotential, "flag_potential", "potential"
	} else {
		severity = models.PieceDefect
	}

	tgt, err := a.activeTarget(action)
	if err != nil {
		return err
	}

	a.setStatus(ctx, status.Recording)
	audioPath := a.storage.BuildAudioPath(tgt.sessionID, a.timestamp())
	release := a.storage.Reserve(audioPath)
	defer release()
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		a.setStatus(ctx, status.Error)
		return fmt.Errorf("create audio dir: %w", err)
	}
	res, err := a.recorder.Record(ctx, audioPath)
	if err != nil {
		a.discardAudio(audioPath)
		a.setStatus(ctx, status.Error)
		return fmt.Errorf("record note: %w", err)
	}
	if res.Outcome != voice.Transcribed {
		a.discardAudio(audioPath)
		telemetry.ActionsSkipped.WithLabelValues(action).Inc()
		a.setStatus(ctx, status.Ready)
		return fmt.Errorf("%w: %s", ErrNoTranscript, res.Outcome)
	}

	payload := map[string]any{
		models.FieldSessionID:  tgt.sessionID,
		models.FieldPieceID:    tgt.pieceID,
		models.FieldTranscript: res.Transcript,
		models.FieldSeverity:   label,
	}
	if _, err := os.Stat(audioPath); err == nil {
		payload[models.FieldAudioPath] = audioPath
	}
	id, err := a.enqueue(ctx, kind, payload)
	if err != nil {
		a.discardAudio(audioPath)
		a.setStatus(ctx, status.Error)
		return err
	}

	release()

	current, applied := a.state.Escalate(tgt.sessionID, tgt.pieceID, severity)
	if !applied {
		log.Printf("agent: piece %s replaced while flagging, status not carried over", tgt.pieceID)
	}
	log.Printf("agent: %s queued id=%d piece=%s piece_status=%s", kind, id, tgt.pieceID, current)
	a.setStatus(ctx, status.Ready)
	return nil
}

// CompletePiece queues the accumulated status of the current piece and
// resets it to ok.
func (a *Agent) CompletePiece(ctx context.Context) error {
	tgt, err := a.activeTarget("complete_piece")
	if err != nil {
		return err
	}
	pieceStatus := tgt.piece
	if pieceStatus == "" {
		pieceStatus = models.PieceOK
	}

	id, err := a.enqueue(ctx, models.KindCompletePiece, map[string]any{
		models.FieldSessionID: tgt.sessionID,
		models.FieldPieceID:   tgt.pieceID,
		models.FieldStatus:    string(pieceStatus),
	})
	if err != nil {
		a.setStatus(ctx, status.Error)
		return err
	}
	a.state.ResetPiece(tgt.sessionID, tgt.pieceID)
	log.Printf("agent: piece complete queued id=%d piece=%s status=%s", id, tgt.pieceID, pieceStatus)
	return nil
}

// Dispatch runs the action bound to ev. Action errors are logged, never
// returned, so the input loop keeps running. The action runs detached from
// ctx cancellation, bounded by the action timeout, so a shutdown never cuts a
// capture or recording short.
func (a *Agent) Dispatch(ctx context.Context, ev input.Event) {
	action, ok := actions[ev]
	if !ok {
		log.Printf("agent: no action for event=%s", ev)
		return
	}
	if !a.begin() {
		log.Printf("agent: shutting down, dropping event=%s", ev)
		return
	}
	defer a.active.Done()

	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.actionTimeout)
	defer cancel()
	if err := action(a, actionCtx); err != nil {
		switch {
		case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrNoActivePiece), errors.Is(err, ErrNoTranscript):
			log.Printf("agent: %s skipped: %v", ev, err)
		default:
			log.Printf("agent: %s failed: %v", ev, err)
		}
	}
}

var actions = map[input.Event]func(*Agent, context.Context) error{
	input.Capture: (*Agent).Capture,
	input.FlagDefect: func(a *Agent, ctx context.Context) error {
		return a.FlagDefect(ctx, models.PieceDefect)
	},
	input.FlagPotential: func(a *Agent, ctx context.Context) error {
		return a.FlagDefect(ctx, models.PiecePotentialDefect)
	},
	input.CompletePiece: (*Agent).CompletePiece,
}

func (a *Agent) begin() bool {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.closed {
		return false
	}
	a.active.Add(1)
	return true
}

// Shutdown stops accepting events and waits for the action in progress, if
// any, until ctx is done.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.lifeMu.Lock()
	a.closed = true
	a.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) enqueue(ctx context.Context, kind models.Kind, payload map[string]any) (int64, error) {
	id, err := a.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	telemetry.EventsEnqueued.WithLabelValues(string(kind)).Inc()
	return id, nil
}

// checkStorage trims old captures and warns when usage stays high. Captures
// are never refused because of storage pressure.
func (a *Agent) checkStorage(ctx context.Context) {
	st, err := a.storage.EnforceCapacity(ctx)
	if err != nil {
		log.Printf("agent: capacity enforcement: %v", err)
		return
	}
	if st.UsageRatio <= a.warnRatio {
		return
	}
	if a.warnLimit.Allow() {
		log.Printf("agent: storage pressure usage=%.2f bytes=%d/%d files=%d", st.UsageRatio, st.TotalBytes, st.MaxBytes, st.FileCount)
	}
	a.setStatus(ctx, status.StorageWarning)
}

// timestamp returns a strictly increasing capture time so generated paths
// never collide.
func (a *Agent) timestamp() time.Time {
	a.clockMu.Lock()
	defer a.clockMu.Unlock()
	ts := a.now()
	if !ts.After(a.lastTS) {
		ts = a.lastTS.Add(time.Nanosecond)
	}
	a.lastTS = ts
	return ts
}

func (a *Agent) discardAudio(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("agent: remove audio %s: %v", path, err)
	}
}

func (a *Agent) setStatus(ctx context.Context, ind status.Indicator) {
	if a.status != nil {
		a.status.Set(ctx, ind)
	}
}
