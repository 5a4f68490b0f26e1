package agent

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"edge-capture-agent/internal/config"
	"edge-capture-agent/internal/input"
	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/queue"
	"edge-capture-agent/internal/session"
	"edge-capture-agent/internal/store"
	"edge-capture-agent/internal/voice"
)

type stubCamera struct{ err error }

func (c stubCamera) Capture(context.Context) (image.Image, error) {
	if c.err != nil {
		return nil, c.err
	}
	return imaging.New(32, 24, color.NRGBA{B: 255, A: 255}), nil
}

func (stubCamera) Close() error { return nil }

type stubRecorder struct {
	res   voice.Result
	err   error
	calls int
}

func (r *stubRecorder) Record(_ context.Context, audioPath string) (voice.Result, error) {
	r.calls++
	if r.res.Outcome == voice.Transcribed {
		if err := os.WriteFile(audioPath, []byte("RIFF"), 0o644); err != nil {
			return voice.Result{}, err
		}
	}
	return r.res, r.err
}

// cancellingCamera cancels the dispatching context mid-capture, as a
// shutdown signal arriving during a button press would.
type cancellingCamera struct{ cancel context.CancelFunc }

func (c cancellingCamera) Capture(ctx context.Context) (image.Image, error) {
	c.cancel()
	return stubCamera{}.Capture(ctx)
}

func (cancellingCamera) Close() error { return nil }

type blockingCamera struct {
	started chan struct{}
	release chan struct{}
}

func (c blockingCamera) Capture(ctx context.Context) (image.Image, error) {
	close(c.started)
	<-c.release
	return stubCamera{}.Capture(ctx)
}

func (blockingCamera) Close() error { return nil }

// trimmingQueue runs a capacity pass before every enqueue, so the new
// capture sits on disk unreferenced while trimming runs.
type trimmingQueue struct {
	*queue.SQLiteQueue
	storage *store.CapacityManager
}

func (q trimmingQueue) Enqueue(ctx context.Context, kind models.Kind, payload map[string]any) (int64, error) {
	if _, err := q.storage.EnforceCapacity(ctx); err != nil {
		return 0, err
	}
	return q.SQLiteQueue.Enqueue(ctx, kind, payload)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, models.Kind, map[string]any) (int64, error) {
	return 0, errors.New("disk I/O error")
}

type harness struct {
	agent    *Agent
	state    *session.State
	queue    *queue.SQLiteQueue
	storage  *store.CapacityManager
	recorder *stubRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(context.Background(), filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	storage := store.NewCapacityManager(filepath.Join(dir, "media"), 1<<30, 1000, q)
	state := session.NewState()
	rec := &stubRecorder{res: voice.Result{Outcome: voice.Transcribed, Transcript: "loose stitching"}}
	cfg := config.Config{PhotoMaxWidth: 16, JPEGQuality: 80, StorageWarnRatio: 0.8}
	a := New(cfg, state, q, storage, stubCamera{}, rec, nil)
	return &harness{agent: a, state: state, queue: q, storage: storage, recorder: rec}
}

func (h *harness) activate(piece string) {
	h.state.Apply(&models.Session{ID: "s1", CurrentPieceID: piece, Status: models.SessionActive, LotCode: "LOT-9"})
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return n
}

func (h *harness) claim(t *testing.T) *models.QueueItem {
	t.Helper()
	item, err := h.queue.ClaimNext(context.Background())
	if err != nil || item == nil {
		t.Fatalf("claim: item=%v err=%v", item, err)
	}
	return item
}

func TestActionsRequireActiveSessionAndPiece(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := []struct {
		name    string
		session *models.Session
		want    error
	}{
		{"no session", nil, ErrNoActiveSession},
		{"paused", &models.Session{ID: "s1", CurrentPieceID: "A", Status: models.SessionPaused}, ErrNoActiveSession},
		{"no piece", &models.Session{ID: "s1", Status: models.SessionActive}, ErrNoActivePiece},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.state.Apply(tc.session)
			before := h.state.Snapshot()

			if err := h.agent.Capture(ctx); !errors.Is(err, tc.want) {
				t.Fatalf("capture: expected %v, got %v", tc.want, err)
			}
			if err := h.agent.FlagDefect(ctx, models.PieceDefect); !errors.Is(err, tc.want) {
				t.Fatalf("flag: expected %v, got %v", tc.want, err)
			}
			if err := h.agent.CompletePiece(ctx); !errors.Is(err, tc.want) {
				t.Fatalf("complete: expected %v, got %v", tc.want, err)
			}

			if n := h.pending(t); n != 0 {
				t.Fatalf("expected nothing queued, got %d", n)
			}
			after := h.state.Snapshot()
			if after.PieceStatus != before.PieceStatus || after.UpdatedAt != before.UpdatedAt {
				t.Fatalf("state mutated by a gated action")
			}
			if h.recorder.calls != 0 {
				t.Fatalf("recorder must not run without a piece")
			}
		})
	}
}

func TestCaptureQueuesPhoto(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")

	if err := h.agent.Capture(ctx); err != nil {
		t.Fatalf("capture: %v", err)
	}
	item := h.claim(t)
	if item.Kind != models.KindPhoto {
		t.Fatalf("expected photo event, got %s", item.Kind)
	}
	if item.PayloadString(models.FieldSessionID) != "s1" || item.PayloadString(models.FieldPieceID) != "A" ||
		item.PayloadString(models.FieldLotCode) != "LOT-9" {
		t.Fatalf("unexpected payload %v", item.Payload)
	}
	path := item.PayloadString(models.FieldPath)
	if filepath.Dir(filepath.Dir(path)) != filepath.Join(h.storage.Root(), "photos") {
		t.Fatalf("photo written outside the capture root: %s", path)
	}
	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open photo: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Fatalf("expected downscaled photo, got width %d", img.Bounds().Dx())
	}
}

func TestCaptureFailureQueuesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")
	h.agent.camera = stubCamera{err: errors.New("sensor timeout")}

	if err := h.agent.Capture(ctx); err == nil {
		t.Fatalf("expected capture error")
	}
	if n := h.pending(t); n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
}

func TestCaptureRemovesPhotoWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")
	h.agent.queue = failingQueue{}

	if err := h.agent.Capture(ctx); err == nil {
		t.Fatalf("expected enqueue error to propagate")
	}
	st, err := h.storage.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.FileCount != 0 {
		t.Fatalf("expected unqueued photo removed, found %d files", st.FileCount)
	}
}

func TestFlagWithoutTranscriptQueuesNothing(t *testing.T) {
	ctx := context.Background()
	for _, outcome := range []voice.Outcome{voice.NoSpeech, voice.Unavailable} {
		h := newHarness(t)
		h.activate("A")
		h.recorder.res = voice.Result{Outcome: outcome}

		if err := h.agent.FlagDefect(ctx, models.PieceDefect); !errors.Is(err, ErrNoTranscript) {
			t.Fatalf("%s: expected ErrNoTranscript, got %v", outcome, err)
		}
		if n := h.pending(t); n != 0 {
			t.Fatalf("%s: expected nothing queued, got %d", outcome, n)
		}
		if got := h.state.Snapshot().PieceStatus; got != models.PieceOK {
			t.Fatalf("%s: piece status changed to %s", outcome, got)
		}
	}
}

func TestFlagThenCompleteCarriesPieceStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")

	if err := h.agent.FlagDefect(ctx, models.PiecePotentialDefect); err != nil {
		t.Fatalf("flag potential: %v", err)
	}
	if err := h.agent.FlagDefect(ctx, models.PieceDefect); err != nil {
		t.Fatalf("flag defect: %v", err)
	}
	if err := h.agent.FlagDefect(ctx, models.PiecePotentialDefect); err != nil {
		t.Fatalf("flag potential again: %v", err)
	}
	if got := h.state.Snapshot().PieceStatus; got != models.PieceDefect {
		t.Fatalf("defect must dominate, got %s", got)
	}

	if err := h.agent.CompletePiece(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := h.state.Snapshot().PieceStatus; got != models.PieceOK {
		t.Fatalf("expected reset after completion, got %s", got)
	}

	first := h.claim(t)
	if first.Kind != models.KindFlagPotential || first.PayloadString(models.FieldTranscript) != "loose stitching" ||
		first.PayloadString(models.FieldSeverity) != "potential" {
		t.Fatalf("unexpected first event %s %v", first.Kind, first.Payload)
	}
	if first.PayloadString(models.FieldAudioPath) == "" {
		t.Fatalf("expected audio path recorded")
	}
	second := h.claim(t)
	if second.Kind != models.KindFlagDefect {
		t.Fatalf("expected flag_defect, got %s", second.Kind)
	}
	h.claim(t)
	done := h.claim(t)
	if done.Kind != models.KindCompletePiece || done.PayloadString(models.FieldStatus) != "defect" {
		t.Fatalf("unexpected completion %s %v", done.Kind, done.Payload)
	}
}

func TestPieceSwapResetsStatusBeforeNextAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")
	if err := h.agent.FlagDefect(ctx, models.PieceDefect); err != nil {
		t.Fatalf("flag: %v", err)
	}

	h.activate("B")
	if err := h.agent.CompletePiece(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.claim(t)
	done := h.claim(t)
	if done.PayloadString(models.FieldPieceID) != "B" || done.PayloadString(models.FieldStatus) != "ok" {
		t.Fatalf("expected piece B completed ok, got %v", done.Payload)
	}
}

func TestDispatchRoutesEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Gated actions are logged and swallowed.
	h.agent.Dispatch(ctx, input.Capture)

	h.activate("A")
	h.agent.Dispatch(ctx, input.Capture)
	h.agent.Dispatch(ctx, input.FlagPotential)
	h.agent.Dispatch(ctx, input.CompletePiece)
	h.agent.Dispatch(ctx, input.Event(99))

	want := []models.Kind{models.KindPhoto, models.KindFlagPotential, models.KindCompletePiece}
	for _, k := range want {
		if got := h.claim(t).Kind; got != k {
			t.Fatalf("expected %s, got %s", k, got)
		}
	}
	if item, _ := h.queue.ClaimNext(ctx); item != nil {
		t.Fatalf("unexpected extra event %s", item.Kind)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h.agent.now = func() time.Time { return fixed }

	a := h.agent.timestamp()
	b := h.agent.timestamp()
	if !b.After(a) {
		t.Fatalf("expected %v after %v", b, a)
	}
	if h.storage.BuildPhotoPath("s1", a) == h.storage.BuildPhotoPath("s1", b) {
		t.Fatalf("same-instant captures must get distinct paths")
	}
}

func TestDispatchedCaptureSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.activate("A")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent.camera = cancellingCamera{cancel: cancel}

	h.agent.Dispatch(ctx, input.Capture)

	if ctx.Err() == nil {
		t.Fatalf("expected the dispatching context cancelled")
	}
	item := h.claim(t)
	if item.Kind != models.KindPhoto {
		t.Fatalf("expected photo event, got %s", item.Kind)
	}
	if _, err := os.Stat(item.PayloadString(models.FieldPath)); err != nil {
		t.Fatalf("expected photo kept on disk: %v", err)
	}
}

func TestShutdownWaitsForRunningAction(t *testing.T) {
	h := newHarness(t)
	h.activate("A")
	cam := blockingCamera{started: make(chan struct{}), release: make(chan struct{})}
	h.agent.camera = cam

	dispatched := make(chan struct{})
	go func() {
		h.agent.Dispatch(context.Background(), input.Capture)
		close(dispatched)
	}()
	select {
	case <-cam.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("capture never started")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.agent.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected shutdown to time out behind the running capture, got %v", err)
	}

	// Events after shutdown are dropped.
	h.agent.Dispatch(context.Background(), input.CompletePiece)

	close(cam.release)
	if err := h.agent.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-dispatched:
	default:
		t.Fatalf("shutdown returned before the capture finished")
	}
	if n := h.pending(t); n != 1 {
		t.Fatalf("expected only the running capture queued, got %d", n)
	}
	if h.claim(t).Kind != models.KindPhoto {
		t.Fatalf("expected the photo event")
	}
}

func TestCaptureSurvivesTrimBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activate("A")

	storage := store.NewCapacityManager(h.storage.Root(), 1<<30, 1, h.queue)
	old := storage.BuildPhotoPath("s1", time.Now().Add(-time.Hour))
	if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(old, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, models.KindPhoto, map[string]any{models.FieldPath: old}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.agent.storage = storage
	h.agent.queue = trimmingQueue{SQLiteQueue: h.queue, storage: storage}

	if err := h.agent.Capture(ctx); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if n := h.pending(t); n != 2 {
		t.Fatalf("expected both photos queued, got %d", n)
	}
	h.claim(t)
	fresh := h.claim(t).PayloadString(models.FieldPath)
	for _, p := range []string{old, fresh} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("queued photo %s trimmed: %v", p, err)
		}
	}
}
