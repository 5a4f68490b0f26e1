package models

import (
	"strings"
	"time"
)

// SessionStatus mirrors the status string the backend reports for a session.
type SessionStatus string

const (
	SessionInactive  SessionStatus = "inactive"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// NormalizeSessionStatus lowercases a remote status; empty maps to inactive.
func NormalizeSessionStatus(s string) SessionStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SessionInactive
	}
	return SessionStatus(s)
}

// Session is the remote view of the current inspection session.
type Session struct {
	ID             string
	CurrentPieceID string
	Status         SessionStatus
	LotCode        string
}

// PieceStatus accumulates operator flags for the piece under inspection.
type PieceStatus string

const (
	PieceOK              PieceStatus = "ok"
	PiecePotentialDefect PieceStatus = "potential_defect"
	PieceDefect          PieceStatus = "defect"
)

func (p PieceStatus) rank() int {
	switch p {
	case PieceDefect:
		return 2
	case PiecePotentialDefect:
		return 1
	default:
		return 0
	}
}

// Escalate returns the more severe of p and next.
func (p PieceStatus) Escalate(next PieceStatus) PieceStatus {
	if next.rank() > p.rank() {
		return next
	}
	if p == "" {
		return PieceOK
	}
	return p
}

// SessionSnapshot is a lock-free copy of the agent's session state.
type SessionSnapshot struct {
	SessionID      *string       `json:"sessionId"`
	CurrentPieceID *string       `json:"currentPieceId"`
	Status         SessionStatus `json:"sessionStatus"`
	LotCode        *string       `json:"lotCode"`
	PieceStatus    PieceStatus   `json:"pieceStatus"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Ready reports whether actions on the current piece are permitted.
func (s SessionSnapshot) Ready() bool {
	return s.SessionID != nil && s.CurrentPieceID != nil && s.Status == SessionActive
}
