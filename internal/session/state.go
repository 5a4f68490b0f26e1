// Package session keeps the agent's copy of the remotely owned inspection
// session and refreshes it from the backend.
package session

import (
	"sync"
	"time"

	"edge-capture-agent/internal/models"
)

// State is the single authoritative session copy. All fields are guarded by
// mu; callers work on Snapshot copies and never perform I/O under the lock.
type State struct {
	mu          sync.Mutex
	sessionID   *string
	pieceID     *string
	status      models.SessionStatus
	lotCode     *string
	pieceStatus models.PieceStatus
	updatedAt   time.Time
	now         func() time.Time
}

// NewState starts with no session.
func NewState() *State {
	return &State{
		status:      models.SessionInactive,
		pieceStatus: models.PieceOK,
		now:         time.Now,
	}
}

// Snapshot copies the current fields.
func (s *State) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSnapshot{
		SessionID:      copyStr(s.sessionID),
		CurrentPieceID: copyStr(s.pieceID),
		Status:         s.status,
		LotCode:        copyStr(s.lotCode),
		PieceStatus:    s.pieceStatus,
		UpdatedAt:      s.updatedAt,
	}
}

// Apply replaces the session fields with remote. A nil remote clears the
// session. It reports whether the session identity or active piece changed,
// in which case the per-piece status has been reset to ok.
func (s *State) Apply(remote *models.Session) bool {
	var (
		id, piece, lot *string
		st             = models.SessionInactive
	)
	if remote != nil {
		id = optional(remote.ID)
		piece = optional(remote.CurrentPieceID)
		lot = optional(remote.LotCode)
		st = remote.Status
		if st == "" {
			st = models.SessionInactive
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !sameStr(s.sessionID, id) || !sameStr(s.pieceID, piece)
	s.sessionID = id
	s.pieceID = piece
	s.status = st
	s.lotCode = lot
	s.updatedAt = s.now()
	if changed {
		s.pieceStatus = models.PieceOK
	}
	return changed
}

// Escalate raises the per-piece status if pieceID of sessionID is still the
// active piece. It returns the resulting status and whether it applied.
func (s *State) Escalate(sessionID, pieceID string, next models.PieceStatus) (models.PieceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(sessionID, pieceID) {
		return s.pieceStatus, false
	}
	s.pieceStatus = s.pieceStatus.Escalate(next)
	return s.pieceStatus, true
}

// ResetPiece sets the per-piece status back to ok if pieceID of sessionID
// is still the active piece.
func (s *State) ResetPiece(sessionID, pieceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(sessionID, pieceID) {
		return false
	}
	s.pieceStatus = models.PieceOK
	return true
}

func (s *State) isCurrent(sessionID, pieceID string) bool {
	return s.sessionID != nil && *s.sessionID == sessionID &&
		s.pieceID != nil && *s.pieceID == pieceID
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
