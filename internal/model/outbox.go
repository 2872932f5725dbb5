package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusProcessed  OutboxStatus = "PROCESSED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// MaxOutboxPayloadBytes bounds a single serialized payload.
const MaxOutboxPayloadBytes = 1 << 20

var outboxTransitions = map[OutboxStatus][]OutboxStatus{
	OutboxStatusPending:    {OutboxStatusProcessing},
	OutboxStatusProcessing: {OutboxStatusProcessed, OutboxStatusPending, OutboxStatusFailed},
	OutboxStatusFailed:     {OutboxStatusProcessing},
}

// CanTransitionTo reports whether the relay may move a row from s to next.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	for _, allowed := range outboxTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var ErrInvalidOutboxEvent = errors.New("invalid outbox event")

type OutboxEvent struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	AggregateID   uuid.UUID       `db:"aggregate_id" json:"aggregate_id"`
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	EventType     string          `db:"event_type" json:"event_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OutboxStatus    `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	ErrorMessage  *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	ProcessedAt   *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// NewOutboxEvent serializes payload into a PENDING event. Any error here is
// permanent: the same value will not marshal on a later attempt either.
func NewOutboxEvent(aggregateID uuid.UUID, aggregateType, eventType string, payload interface{}) (*OutboxEvent, error) {
	if aggregateID == uuid.Nil || aggregateType == "" || eventType == "" {
		return nil, fmt.Errorf("%w: aggregate id, aggregate type and event type are required", ErrInvalidOutboxEvent)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal payload: %v", ErrInvalidOutboxEvent, err)
	}
	if len(data) > MaxOutboxPayloadBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrInvalidOutboxEvent, len(data))
	}

	now := time.Now().UTC()
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
		Status:        OutboxStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// OutboxMetrics is the per-status row count snapshot.
type OutboxMetrics struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}
