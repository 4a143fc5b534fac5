package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wolfman30/medspa-pms-sync/internal/events"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/internal/syncer"
	"github.com/wolfman30/medspa-pms-sync/internal/writer"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// Outcome rolls up a sync invocation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Store is the internal data the invocation surface reads and appends events to.
type Store interface {
	ListActiveIntegrations(ctx context.Context) ([]practice.Integration, error)
	GetIntegration(ctx context.Context, id uuid.UUID) (*practice.Integration, error)
	ListReferences(ctx context.Context, integrationID uuid.UUID, kind practice.EntityKind) ([]practice.Reference, error)
	GetHealthRecord(ctx context.Context, integrationID uuid.UUID) (practice.HealthRecord, error)
	RecordEvent(ctx context.Context, integrationID uuid.UUID, correlationID string, evt events.Event) error
}

// Syncer runs one incremental pass for one kind.
type Syncer interface {
	Run(ctx context.Context, session *pms.Session, integration practice.Integration, kind syncer.Kind) syncer.KindResult
}

// HealthChecker probes one integration.
type HealthChecker interface {
	Check(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error)
}

// Seeder pushes a seed batch into the PMS.
type Seeder interface {
	Seed(ctx context.Context, session *pms.Session, pools writer.Pools, counts writer.Counts, opts writer.Options) (writer.Summary, error)
}

// Deps wires a Service.
type Deps struct {
	Store       Store
	Auth        pms.Authenticator
	Syncer      Syncer
	Health      HealthChecker
	Seeder      Seeder
	Concurrency int
	// AuthRetry bounds retries of the eager authentication. Zero means DefaultRetryPolicy.
	AuthRetry pms.RetryPolicy
}

// Service is the entry point for schedulers, the admin API and the CLI.
type Service struct {
	store       Store
	auth        pms.Authenticator
	syncer      Syncer
	health      HealthChecker
	seeder      Seeder
	concurrency int
	authRetry   pms.RetryPolicy
	logger      *logging.Logger
	now         func() time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidCounts rejects a seed request before any PMS call.
var ErrInvalidCounts = errors.New("jobs: invalid seed counts")

func NewService(deps Deps, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = 4
	}
	if deps.AuthRetry.MaxAttempts <= 0 {
		deps.AuthRetry = pms.DefaultRetryPolicy()
	}
	if deps.AuthRetry.Logger == nil {
		deps.AuthRetry.Logger = logger
	}
	return &Service{
		store:       deps.Store,
		auth:        deps.Auth,
		syncer:      deps.Syncer,
		health:      deps.Health,
		seeder:      deps.Seeder,
		concurrency: deps.Concurrency,
		authRetry:   deps.AuthRetry.Named("authenticate"),
		logger:      logger,
		now:         time.Now,
	}
}

// KindSummary is one stream's share of a sync invocation.
type KindSummary struct {
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	Skipped   bool       `json:"skipped,omitempty"`
	Fetched   int        `json:"fetched"`
	Applied   int        `json:"applied"`
	Failed    int        `json:"failed"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// SyncSummary is what an incremental sync reports.
type SyncSummary struct {
	IntegrationID string        `json:"integration_id"`
	OrgID         string        `json:"org_id"`
	RunID         string        `json:"run_id"`
	Outcome       Outcome       `json:"outcome"`
	Kinds         []KindSummary `json:"kinds"`
	Errors        []string      `json:"errors"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// HealthSummary is one integration's health check result.
type HealthSummary struct {
	IntegrationID string                 `json:"integration_id"`
	OrgID         string                 `json:"org_id"`
	Record        *practice.HealthRecord `json:"record,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// SeedSummary wraps the writer summary with the integration it ran against.
type SeedSummary struct {
	IntegrationID string `json:"integration_id"`
	OrgID         string `json:"org_id"`
	writer.Summary
}

// Integration loads one configuration by ID.
func (s *Service) Integration(ctx context.Context, id uuid.UUID) (practice.Integration, error) {
	integration, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return practice.Integration{}, err
	}
	return *integration, nil
}

// Health returns the last persisted health record without probing.
func (s *Service) Health(ctx context.Context, integrationID uuid.UUID) (practice.HealthRecord, error) {
	return s.store.GetHealthRecord(ctx, integrationID)
}

// RunIncrementalSync pulls every kind in dependency order under one session. A fatal
// error stops the remaining kinds; per-record failures only mark their kind partial.
// The returned error is set only when the invocation itself could not proceed.
func (s *Service) RunIncrementalSync(ctx context.Context, integration practice.Integration) (SyncSummary, error) {
	summary := SyncSummary{
		IntegrationID: integration.Key(),
		OrgID:         integration.OrgID,
		RunID:         uuid.NewString(),
		Kinds:         []KindSummary{},
		Errors:        []string{},
		StartedAt:     s.now().UTC(),
	}
	logger := s.logger.With("integration_id", integration.Key(), "run_id", summary.RunID)

	var fatal error
	if err := validateIntegration(integration); err != nil {
		fatal = err
	} else {
		session := pms.NewSession(s.auth, integration, s.logger)
		if err := s.start(ctx, session); err != nil {
			fatal = err
		} else {
			fatal = s.runKinds(ctx, session, integration, &summary)
		}
	}
	if fatal != nil {
		summary.Errors = append(summary.Errors, fatal.Error())
	}
	summary.Outcome = outcomeOf(summary, fatal)
	summary.FinishedAt = s.now().UTC()

	if summary.Outcome != OutcomeSkipped {
		s.recordEvent(ctx, integration, summary.RunID, syncEvent(summary))
	}
	logger.Info("incremental sync finished",
		"outcome", string(summary.Outcome),
		"kinds", len(summary.Kinds),
		"errors", len(summary.Errors),
	)
	return summary, fatal
}

// start authenticates the session, retrying transport failures and retryable statuses.
func (s *Service) start(ctx context.Context, session *pms.Session) error {
	return pms.Retry(ctx, s.authRetry, session.Start)
}

// validateIntegration reports an unusable configuration as fatal.
func validateIntegration(integration practice.Integration) error {
	if err := integration.Validate(); err != nil {
		return &pms.AuthError{Op: "validate", Err: err}
	}
	return nil
}

func (s *Service) runKinds(ctx context.Context, session *pms.Session, integration practice.Integration, summary *SyncSummary) error {
	for _, kind := range syncer.AllKinds {
		res := s.syncer.Run(ctx, session, integration, kind)
		ks := KindSummary{
			Kind:    string(res.Kind),
			State:   string(res.State),
			Skipped: res.Skipped,
			Fetched: res.Fetched,
			Applied: res.Applied,
			Failed:  res.Failed,
		}
		if !res.Watermark.IsZero() {
			wm := res.Watermark
			ks.Watermark = &wm
		}
		summary.Kinds = append(summary.Kinds, ks)
		for _, msg := range res.Errors {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", kind, msg))
		}
		if res.Err == nil {
			continue
		}
		if syncer.IsFatal(res.Err) {
			return fmt.Errorf("jobs: sync %s: %w", kind, res.Err)
		}
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", kind, res.Err))
	}
	return nil
}

func outcomeOf(summary SyncSummary, fatal error) Outcome {
	if fatal != nil {
		return OutcomeFailed
	}
	skipped := 0
	for _, k := range summary.Kinds {
		if k.Skipped {
			skipped++
		}
	}
	if len(summary.Kinds) > 0 && skipped == len(summary.Kinds) {
		return OutcomeSkipped
	}
	if len(summary.Errors) > 0 {
		return OutcomePartial
	}
	return OutcomeSucceeded
}

func syncEvent(summary SyncSummary) events.SyncCompletedV1 {
	evt := events.SyncCompletedV1{
		IntegrationID: summary.IntegrationID,
		OrgID:         summary.OrgID,
		Outcome:       string(summary.Outcome),
		Kinds:         make([]events.SyncKindStats, 0, len(summary.Kinds)),
		StartedAt:     summary.StartedAt,
		FinishedAt:    summary.FinishedAt,
	}
	for _, k := range summary.Kinds {
		evt.Kinds = append(evt.Kinds, events.SyncKindStats{
			Kind:      k.Kind,
			State:     k.State,
			Fetched:   k.Fetched,
			Applied:   k.Applied,
			Failed:    k.Failed,
			Watermark: k.Watermark,
		})
	}
	return evt
}

// RunHealthCheck probes one integration and persists the result.
func (s *Service) RunHealthCheck(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error) {
	if err := validateIntegration(integration); err != nil {
		return practice.HealthRecord{}, err
	}
	rec, err := s.health.Check(ctx, integration)
	if err != nil {
		return practice.HealthRecord{}, fmt.Errorf("jobs: health check: %w", err)
	}
	return rec, nil
}

// SeedExternalData pushes a demo batch into the PMS using the references already synced.
// A configuration gap is reported in the summary, not as an error. Every attempt that
// passes request validation records seed.completed, including authentication failures.
func (s *Service) SeedExternalData(ctx context.Context, integration practice.Integration, counts writer.Counts, opts writer.Options) (SeedSummary, error) {
	summary := SeedSummary{IntegrationID: integration.Key(), OrgID: integration.OrgID}
	if err := validateIntegration(integration); err != nil {
		return summary, err
	}
	if err := validate.Struct(counts); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrInvalidCounts, err)
	}

	pools, err := s.pools(ctx, integration.ID)
	if err != nil {
		return summary, err
	}

	opts = opts.WithDefaults(s.now())
	summary.IdempotencyPrefix = opts.IdempotencyPrefix
	summary.StartedAt = opts.StartedAt
	summary.Errors = []string{}

	if pools.Gap() {
		summary.Errors = append(summary.Errors, writer.ErrConfigurationGap.Error())
		s.logger.Warn("seed skipped: configuration gap",
			"integration_id", integration.Key(),
			"patients", len(pools.Patients),
			"providers", len(pools.Providers),
		)
		s.recordEvent(ctx, integration, summary.IdempotencyPrefix, seedEvent(summary, s.now()))
		return summary, nil
	}

	session := pms.NewSession(s.auth, integration, s.logger)
	if err := s.start(ctx, session); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		s.recordEvent(ctx, integration, summary.IdempotencyPrefix, seedEvent(summary, s.now()))
		return summary, err
	}

	result, err := s.seeder.Seed(ctx, session, pools, counts, opts)
	summary.Summary = result
	s.recordEvent(ctx, integration, result.IdempotencyPrefix, seedEvent(summary, s.now()))
	if err != nil && !errors.Is(err, writer.ErrConfigurationGap) {
		return summary, err
	}
	return summary, nil
}

func (s *Service) pools(ctx context.Context, integrationID uuid.UUID) (writer.Pools, error) {
	var pools writer.Pools
	targets := []struct {
		kind practice.EntityKind
		dst  *[]practice.Reference
	}{
		{practice.KindPatient, &pools.Patients},
		{practice.KindProvider, &pools.Providers},
		{practice.KindOperatory, &pools.Operatories},
		{practice.KindAppointmentType, &pools.AppointmentTypes},
	}
	for _, t := range targets {
		refs, err := s.store.ListReferences(ctx, integrationID, t.kind)
		if err != nil {
			return writer.Pools{}, fmt.Errorf("jobs: load %s references: %w", t.kind, err)
		}
		*t.dst = refs
	}
	return pools, nil
}

func seedEvent(summary SeedSummary, now time.Time) events.SeedCompletedV1 {
	return events.SeedCompletedV1{
		IntegrationID:       summary.IntegrationID,
		OrgID:               summary.OrgID,
		IdempotencyPrefix:   summary.IdempotencyPrefix,
		AppointmentsCreated: summary.AppointmentsCreated,
		PaymentsCreated:     summary.PaymentsCreated,
		AdjustmentsCreated:  summary.AdjustmentsCreated,
		Errors:              summary.Errors,
		ResolverTiers:       summary.ResolverTiers,
		CompletedAt:         now.UTC(),
	}
}

// SyncAllActive runs RunIncrementalSync for every active integration, several at a
// time. One integration's failure is reported in its own summary.
func (s *Service) SyncAllActive(ctx context.Context) ([]SyncSummary, error) {
	integrations, err := s.store.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SyncSummary, len(integrations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, integration := range integrations {
		i, integration := i, integration
		g.Go(func() error {
			summary, err := s.RunIncrementalSync(gctx, integration)
			if err != nil {
				s.logger.Warn("integration sync failed", "integration_id", integration.Key(), "error", err)
			}
			out[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

// CheckAllActive runs RunHealthCheck for every active integration.
func (s *Service) CheckAllActive(ctx context.Context) ([]HealthSummary, error) {
	integrations, err := s.store.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HealthSummary, len(integrations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, integration := range integrations {
		i, integration := i, integration
		g.Go(func() error {
			hs := HealthSummary{IntegrationID: integration.Key(), OrgID: integration.OrgID}
			rec, err := s.RunHealthCheck(gctx, integration)
			if err != nil {
				hs.Error = err.Error()
				s.logger.Warn("integration health check failed", "integration_id", integration.Key(), "error", err)
			} else {
				hs.Record = &rec
			}
			out[i] = hs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

func (s *Service) recordEvent(ctx context.Context, integration practice.Integration, correlationID string, evt events.Event) {
	if err := s.store.RecordEvent(ctx, integration.ID, correlationID, evt); err != nil {
		s.logger.Error("failed to record event",
			"integration_id", integration.Key(),
			"event_type", evt.EventType(),
			"error", err,
		)
	}
}
