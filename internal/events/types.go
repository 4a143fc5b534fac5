package events

import "time"

// SyncCompletedV1 is emitted after every incremental sync invocation that was not skipped.
type SyncCompletedV1 struct {
	IntegrationID string          `json:"integration_id"`
	OrgID         string          `json:"org_id"`
	Outcome       string          `json:"outcome"`
	Kinds         []SyncKindStats `json:"kinds"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// SyncKindStats is the per-kind slice of a sync summary.
type SyncKindStats struct {
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	Fetched   int        `json:"fetched"`
	Applied   int        `json:"applied"`
	Failed    int        `json:"failed"`
	Watermark *time.Time `json:"watermark,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (SyncCompletedV1) EventType() string {
	return "pms.sync.completed.v1"
}

// SeedCompletedV1 is emitted after a seed batch finishes, whether or not every item succeeded.
type SeedCompletedV1 struct {
	IntegrationID       string            `json:"integration_id"`
	OrgID               string            `json:"org_id"`
	IdempotencyPrefix   string            `json:"idempotency_prefix"`
	AppointmentsCreated int               `json:"appointments_created"`
	PaymentsCreated     int               `json:"payments_created"`
	AdjustmentsCreated  int               `json:"adjustments_created"`
	Errors              []string          `json:"errors,omitempty"`
	ResolverTiers       map[string]string `json:"resolver_tiers,omitempty"`
	CompletedAt         time.Time         `json:"completed_at"`
}

func (SeedCompletedV1) EventType() string {
	return "pms.seed.completed.v1"
}

// HealthChangedV1 is emitted when an integration moves between healthy, degraded and down.
type HealthChangedV1 struct {
	IntegrationID       string    `json:"integration_id"`
	PreviousState       string    `json:"previous_state"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

func (HealthChangedV1) EventType() string {
	return "pms.health.changed.v1"
}
