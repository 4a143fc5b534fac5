package practice

import (
	"time"

	"github.com/google/uuid"
)

// HealthState is the tri-state availability of an integration's PMS.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// HealthRecord is the persisted result of the latest health check.
type HealthRecord struct {
	IntegrationID       uuid.UUID   `json:"integration_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheckedAt       time.Time   `json:"last_checked_at"`
	LastError           string      `json:"last_error,omitempty"`
}

// InitialHealth is the record assumed for an integration that was never checked.
func InitialHealth(integrationID uuid.UUID) HealthRecord {
	return HealthRecord{IntegrationID: integrationID, State: HealthHealthy}
}
