package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/medspa-pms-sync/internal/events"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// DefaultDownThreshold is the consecutive-failure count that marks an integration down.
const DefaultDownThreshold = 3

// Prober is the PMS surface a health check touches.
type Prober interface {
	pms.Authenticator
	ListAppointmentTypes(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.AppointmentType], error)
}

// Store persists health records. Transitions are saved with their outbox event atomically.
type Store interface {
	GetHealthRecord(ctx context.Context, integrationID uuid.UUID) (practice.HealthRecord, error)
	SaveHealthRecord(ctx context.Context, rec practice.HealthRecord, evt events.Event) error
}

// Metrics exports the current state.
type Metrics interface {
	SetHealthState(integrationID, state string)
}

// Monitor probes PMS reachability and applies hysteresis to the result.
type Monitor struct {
	prober    Prober
	store     Store
	metrics   Metrics
	logger    *logging.Logger
	threshold int
	authRetry pms.RetryPolicy
	now       func() time.Time
}

func NewMonitor(prober Prober, store Store, metrics Metrics, threshold int, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	if threshold <= 0 {
		threshold = DefaultDownThreshold
	}
	return &Monitor{
		prober:    prober,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		threshold: threshold,
		authRetry: pms.DefaultRetryPolicy().Named("health_authenticate"),
		now:       time.Now,
	}
}

// WithAuthRetry replaces the retry policy for the authentication step. The read itself
// is never retried.
func (m *Monitor) WithAuthRetry(p pms.RetryPolicy) *Monitor {
	if p.Logger == nil {
		p.Logger = m.logger
	}
	m.authRetry = p.Named("health_authenticate")
	return m
}

// Next applies one probe outcome to prev.
// Success always returns to healthy with zero failures; failure counts up and turns
// down once the count reaches threshold.
func Next(prev practice.HealthRecord, probeErr error, threshold int, now time.Time) practice.HealthRecord {
	next := practice.HealthRecord{
		IntegrationID: prev.IntegrationID,
		LastCheckedAt: now.UTC(),
	}
	if probeErr == nil {
		next.State = practice.HealthHealthy
		return next
	}
	next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	next.LastError = probeErr.Error()
	if next.ConsecutiveFailures >= threshold {
		next.State = practice.HealthDown
	} else {
		next.State = practice.HealthDegraded
	}
	return next
}

// Check authenticates, performs one lightweight read, and records the result.
// Probe failures are part of the record; only store failures are returned as errors.
func (m *Monitor) Check(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error) {
	logger := m.logger.With("integration_id", integration.Key())

	prev, err := m.store.GetHealthRecord(ctx, integration.ID)
	if err != nil {
		return practice.HealthRecord{}, fmt.Errorf("health: load record: %w", err)
	}
	prev.IntegrationID = integration.ID

	probeErr := m.probe(ctx, integration)
	if probeErr != nil && ctx.Err() != nil {
		return prev, ctx.Err()
	}
	next := Next(prev, probeErr, m.threshold, m.now())

	var evt events.Event
	if next.State != prev.State {
		evt = events.HealthChangedV1{
			IntegrationID:       integration.Key(),
			PreviousState:       string(prev.State),
			State:               string(next.State),
			ConsecutiveFailures: next.ConsecutiveFailures,
			LastError:           next.LastError,
			CheckedAt:           next.LastCheckedAt,
		}
		logger.Info("pms health changed", "from", string(prev.State), "to", string(next.State), "consecutive_failures", next.ConsecutiveFailures)
	}
	if err := m.store.SaveHealthRecord(ctx, next, evt); err != nil {
		return practice.HealthRecord{}, fmt.Errorf("health: save record: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SetHealthState(integration.Key(), string(next.State))
	}
	if probeErr != nil {
		logger.Warn("pms health probe failed", "state", string(next.State), "consecutive_failures", next.ConsecutiveFailures, "error", probeErr)
	} else {
		logger.Debug("pms health probe ok")
	}
	return next, nil
}

func (m *Monitor) probe(ctx context.Context, integration practice.Integration) error {
	session := pms.NewSession(m.prober, integration, m.logger)
	if err := pms.Retry(ctx, m.authRetry, session.Start); err != nil {
		return err
	}
	return session.Do(ctx, func(ctx context.Context, cred pms.Credential) error {
		_, err := m.prober.ListAppointmentTypes(ctx, cred, pms.PageParams{PerPage: 1})
		return err
	})
}
