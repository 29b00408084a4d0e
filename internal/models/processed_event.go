package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is the durable dedup marker for one gateway event.
type ProcessedEvent struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EventID      string          `json:"event_id" db:"event_id"`
	EventType    string          `json:"event_type" db:"event_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Processed    bool            `json:"processed" db:"processed"`
	Error        *string         `json:"error,omitempty" db:"error"`
	Attempts     int             `json:"attempts" db:"attempts"`
	ClaimedUntil time.Time       `json:"claimed_until" db:"claimed_until"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// ClaimState is the outcome of trying to take ownership of an event.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the event and must finalize it.
	ClaimAcquired ClaimState = iota
	// ClaimAlreadyProcessed means the event reached its terminal state earlier.
	ClaimAlreadyProcessed
	// ClaimInFlight means another worker holds a live claim.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyProcessed:
		return "already_processed"
	case ClaimInFlight:
		return "in_flight"
	}
	return "unknown"
}
