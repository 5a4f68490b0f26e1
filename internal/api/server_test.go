package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/queue"
	"edge-capture-agent/internal/session"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/store"
)

type brokenStorage struct{}

func (brokenStorage) Status() (models.StorageStatus, error) {
	return models.StorageStatus{}, errors.New("permission denied")
}

func setup(t *testing.T) (*queue.SQLiteQueue, *store.CapacityManager, *session.State) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(context.Background(), filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	media := filepath.Join(dir, "media")
	if err := os.MkdirAll(media, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(media, "a.jpg"), make([]byte, 250), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return q, store.NewCapacityManager(media, 1000, 10, q), session.NewState()
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); out != nil && ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v body=%s", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealthReportsSessionQueueAndStorage(t *testing.T) {
	ctx := context.Background()
	q, storage, state := setup(t)
	state.Apply(&models.Session{ID: "s1", CurrentPieceID: "A", Status: models.SessionActive, LotCode: "LOT-1"})
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, models.KindCompletePiece, map[string]any{"pieceId": "A"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	tracker := status.NewTracker()
	tracker.Set(ctx, status.Ready)

	srv := New(q, storage, state, tracker, func() bool { return true })
	var body map[string]any
	if code := getJSON(t, srv.Router(), "/healthz", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	want := map[string]any{
		"status":           "ok",
		"sessionId":        "s1",
		"sessionStatus":    "active",
		"currentPieceId":   "A",
		"lotCode":          "LOT-1",
		"pieceStatus":      "ok",
		"queuePending":     float64(2),
		"queueFailed":      float64(0),
		"storageUsedBytes": float64(250),
		"storageMaxBytes":  float64(1000),
		"storageUsage":     0.25,
		"online":           true,
		"indicator":        "ready",
	}
	for k, v := range want {
		if body[k] != v {
			t.Fatalf("field %s: expected %v, got %v", k, v, body[k])
		}
	}
}

func TestHealthWithoutSessionAndDegraded(t *testing.T) {
	ctx := context.Background()
	q, _, state := setup(t)
	_, _ = q.Enqueue(ctx, models.KindPhoto, map[string]any{"path": "/gone.jpg"})
	item, _ := q.ClaimNext(ctx)
	if _, err := q.Requeue(ctx, item.ID, queue.BackoffPolicy{MaxAttempts: 1}, errors.New("404")); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	srv := New(q, brokenStorage{}, state, nil, nil)
	var body map[string]any
	if code := getJSON(t, srv.Router(), "/healthz", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["sessionId"] != nil || body["currentPieceId"] != nil {
		t.Fatalf("expected null session fields, got %v", body)
	}
	if body["status"] != "degraded" || body["queueFailed"] != float64(1) {
		t.Fatalf("expected degraded with one failed item, got %v", body)
	}
}

func TestHealthQueueUnavailable(t *testing.T) {
	q, storage, state := setup(t)
	_ = q.Close()

	srv := New(q, storage, state, nil, nil)
	var body map[string]any
	if code := getJSON(t, srv.Router(), "/healthz", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body["status"] != "error" {
		t.Fatalf("expected error status, got %v", body["status"])
	}
}

func TestFailedListing(t *testing.T) {
	ctx := context.Background()
	q, storage, state := setup(t)
	srv := New(q, storage, state, nil, nil)

	var empty struct {
		Items []models.QueueItem `json:"items"`
	}
	if code := getJSON(t, srv.Router(), "/failed", &empty); code != http.StatusOK || empty.Items == nil || len(empty.Items) != 0 {
		t.Fatalf("expected empty list, got code=%d items=%v", code, empty.Items)
	}

	_, _ = q.Enqueue(ctx, models.KindFlagDefect, map[string]any{"pieceId": "A", "transcript": "tear"})
	item, _ := q.ClaimNext(ctx)
	_, _ = q.Requeue(ctx, item.ID, queue.BackoffPolicy{MaxAttempts: 1, Initial: time.Second}, errors.New("status 422"))

	var got struct {
		Items []models.QueueItem `json:"items"`
	}
	if code := getJSON(t, srv.Router(), "/failed?limit=5", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(got.Items) != 1 || got.Items[0].Kind != models.KindFlagDefect || got.Items[0].LastError == nil {
		t.Fatalf("unexpected failed items %+v", got.Items)
	}

	if code := getJSON(t, srv.Router(), "/failed?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}

func TestMetricsMounted(t *testing.T) {
	q, storage, state := setup(t)
	srv := New(q, storage, state, nil, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
