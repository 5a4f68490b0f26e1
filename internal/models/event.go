package models

import (
	"time"
)

// Kind identifies the operator action a queue item delivers.
type Kind string

const (
	KindPhoto         Kind = "photo"
	KindFlagDefect    Kind = "flag_defect"
	KindFlagPotential Kind = "flag_potential"
	KindCompletePiece Kind = "complete_piece"
)

// Kinds lists every event kind the worker must be able to deliver.
var Kinds = []Kind{KindPhoto, KindFlagDefect, KindFlagPotential, KindCompletePiece}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ItemStatus enumerates lifecycle states persisted in the local queue. A
// delivered item has no state: acking deletes its row.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "in_flight"
	StatusFailed   ItemStatus = "failed"
)

// QueueItem is a durable record of one operator action awaiting delivery.
type QueueItem struct {
	ID             int64          `json:"id"`
	EventKey       string         `json:"event_key"`
	Kind           Kind           `json:"kind"`
	Payload        map[string]any `json:"payload"`
	Status         ItemStatus     `json:"status"`
	Attempts       int            `json:"attempts"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PayloadString returns a string payload field, or "" when absent.
func (i QueueItem) PayloadString(key string) string {
	if v, ok := i.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Payload field names shared by the agent, the queue, and the uploader.
const (
	FieldPath       = "path"
	FieldAudioPath  = "audioPath"
	FieldSessionID  = "sessionId"
	FieldPieceID    = "pieceId"
	FieldLotCode    = "lotCode"
	FieldTranscript = "transcript"
	FieldSeverity   = "severity"
	FieldStatus     = "status"
	FieldCapturedAt = "capturedAt"
)

// StorageStatus is derived from a scan of the capture directory.
type StorageStatus struct {
	TotalBytes int64   `json:"total_bytes"`
	MaxBytes   int64   `json:"max_bytes"`
	FileCount  int     `json:"file_count"`
	MaxFiles   int     `json:"max_files"`
	UsageRatio float64 `json:"usage_ratio"`
}
