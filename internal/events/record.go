package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event is a versioned sync event. EventType must end in ".v<N>".
type Event interface {
	EventType() string
}

// Record is what lands in the outbox payload column and on the Redis channel.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	IntegrationID uuid.UUID       `json:"integration_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

var (
	ErrNoIntegration = errors.New("events: integration id required")
	ErrUnversioned   = errors.New("events: event type must carry a .vN suffix")

	clock = time.Now
)

// Aggregate is the outbox aggregate key for an integration.
func Aggregate(integrationID uuid.UUID) string {
	return "pms_integration:" + integrationID.String()
}

// NewRecord stamps evt with a fresh id and the current time.
func NewRecord(integrationID uuid.UUID, correlationID string, evt Event) (Record, error) {
	if integrationID == uuid.Nil {
		return Record{}, ErrNoIntegration
	}
	if evt == nil {
		return Record{}, errors.New("events: event required")
	}
	eventType := strings.TrimSpace(evt.EventType())
	if !versioned(eventType) {
		return Record{}, fmt.Errorf("%w: %q", ErrUnversioned, eventType)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return Record{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	return Record{
		ID:            uuid.New(),
		Type:          eventType,
		IntegrationID: integrationID,
		CorrelationID: strings.TrimSpace(correlationID),
		OccurredAt:    clock().UTC(),
		Data:          data,
	}, nil
}

func versioned(eventType string) bool {
	i := strings.LastIndex(eventType, ".v")
	if i <= 0 || i+2 == len(eventType) {
		return false
	}
	for _, r := range eventType[i+2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseRecord decodes a stored outbox payload.
func ParseRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("events: decode record: %w", err)
	}
	if rec.ID == uuid.Nil || rec.Type == "" {
		return Record{}, errors.New("events: record missing id or type")
	}
	return rec, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Append writes evt to the outbox through exec, which may be a pool or an open transaction.
func Append(ctx context.Context, exec execer, integrationID uuid.UUID, correlationID string, evt Event) (Record, error) {
	if exec == nil {
		return Record{}, errors.New("events: exec required")
	}
	rec, err := NewRecord(integrationID, correlationID, evt)
	if err != nil {
		return Record{}, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("events: marshal record: %w", err)
	}
	if _, err := exec.Exec(ctx, `
		INSERT INTO outbox (id, aggregate, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, Aggregate(integrationID), rec.Type, payload); err != nil {
		return Record{}, fmt.Errorf("events: append %s: %w", rec.Type, err)
	}
	return rec, nil
}
