package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/telemetry"
)

// QueueStats is the read side of the durable queue.
type QueueStats interface {
	PendingCount(ctx context.Context) (int, error)
	InFlightCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
	ListFailed(ctx context.Context, limit int) ([]models.QueueItem, error)
}

// StorageStats reports capture storage usage.
type StorageStats interface {
	Status() (models.StorageStatus, error)
}

// SessionView exposes the agent's session snapshot.
type SessionView interface {
	Snapshot() models.SessionSnapshot
}

// IndicatorView exposes the latest status indicator.
type IndicatorView interface {
	Current() (status.Indicator, time.Time)
}

// Server serves the local read-only diagnostics endpoints.
type Server struct {
	queue     QueueStats
	storage   StorageStats
	session   SessionView
	indicator IndicatorView
	online    func() bool
}

// New constructs the diagnostics server. indicator and online may be nil.
func New(q QueueStats, storage StorageStats, session SessionView, indicator IndicatorView, online func() bool) *Server {
	return &Server{
		queue:     q,
		storage:   storage,
		session:   session,
		indicator: indicator,
		online:    online,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/failed", s.handleFailed)
	r.Mount("/metrics", telemetry.Handler())
	return r
}

type healthResponse struct {
	Status           string               `json:"status"`
	SessionID        *string              `json:"sessionId"`
	SessionStatus    models.SessionStatus `json:"sessionStatus"`
	CurrentPieceID   *string              `json:"currentPieceId"`
	LotCode          *string              `json:"lotCode"`
	PieceStatus      models.PieceStatus   `json:"pieceStatus"`
	QueuePending     int                  `json:"queuePending"`
	QueueInFlight    int                  `json:"queueInFlight"`
	QueueFailed      int                  `json:"queueFailed"`
	StorageUsedBytes int64                `json:"storageUsedBytes"`
	StorageMaxBytes  int64                `json:"storageMaxBytes"`
	StorageUsage     float64              `json:"storageUsage"`
	Online           bool                 `json:"online"`
	Indicator        status.Indicator     `json:"indicator,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.session.Snapshot()
	resp := healthResponse{
		Status:         "ok",
		SessionID:      snap.SessionID,
		SessionStatus:  snap.Status,
		CurrentPieceID: snap.CurrentPieceID,
		LotCode:        snap.LotCode,
		PieceStatus:    snap.PieceStatus,
	}
	if s.online != nil {
		resp.Online = s.online()
	}
	if s.indicator != nil {
		resp.Indicator, _ = s.indicator.Current()
	}

	code := http.StatusOK
	var err error
	if resp.QueuePending, err = s.queue.PendingCount(ctx); err != nil {
		log.Printf("api: pending count: %v", err)
		resp.Status, code = "error", http.StatusServiceUnavailable
	}
	if resp.QueueInFlight, err = s.queue.InFlightCount(ctx); err != nil {
		log.Printf("api: in-flight count: %v", err)
		resp.Status, code = "error", http.StatusServiceUnavailable
	}
	if resp.QueueFailed, err = s.queue.FailedCount(ctx); err != nil {
		log.Printf("api: failed count: %v", err)
		resp.Status, code = "error", http.StatusServiceUnavailable
	}

	if st, err := s.storage.Status(); err != nil {
		log.Printf("api: storage status: %v", err)
		if code == http.StatusOK {
			resp.Status = "degraded"
		}
	} else {
		resp.StorageUsedBytes = st.TotalBytes
		resp.StorageMaxBytes = st.MaxBytes
		resp.StorageUsage = st.UsageRatio
	}

	if code == http.StatusOK && resp.QueueFailed > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

// handleFailed lists items that exhausted their retries.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.queue.ListFailed(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
