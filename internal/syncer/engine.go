package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/medspa-pms-sync/internal/mapping"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// Kind is one independently synchronized resource stream.
type Kind string

const (
	KindProviders        Kind = "providers"
	KindOperatories      Kind = "operatories"
	KindAppointmentTypes Kind = "appointment_types"
	KindPatients         Kind = "patients"
	KindAppointments     Kind = "appointments"
)

// AllKinds is the order a full sync runs in: reference data, then patients, then appointments.
var AllKinds = []Kind{KindProviders, KindOperatories, KindAppointmentTypes, KindPatients, KindAppointments}

// Entity returns the stored entity kind the stream writes.
func (k Kind) Entity() practice.EntityKind {
	switch k {
	case KindProviders:
		return practice.KindProvider
	case KindOperatories:
		return practice.KindOperatory
	case KindAppointmentTypes:
		return practice.KindAppointmentType
	case KindPatients:
		return practice.KindPatient
	default:
		return practice.KindAppointment
	}
}

// ParseKind accepts a stream name.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("syncer: unknown kind %q", s)
}

// State is the per-(integration, kind) sync lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateFetching         State = "fetching"
	StateApplying         State = "applying"
	StateFailed           State = "failed"
	StatePartiallyApplied State = "partially_applied"
)

// KindResult summarizes one Run.
type KindResult struct {
	Kind              Kind
	State             State
	Skipped           bool
	Fetched           int
	Applied           int
	Failed            int
	PreviousWatermark time.Time
	Watermark         time.Time
	Errors            []string
	Err               error
}

// API is the slice of the PMS client the engine reads from.
type API interface {
	ListProviders(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Provider], error)
	ListOperatories(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Operatory], error)
	ListAppointmentTypes(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.AppointmentType], error)
	ListPatients(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Patient], error)
	ListAppointments(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Appointment], error)
}

// Store is the slice of the internal store the engine writes to.
type Store interface {
	GetWatermark(ctx context.Context, integrationID uuid.UUID, kind practice.EntityKind) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, integrationID uuid.UUID, kind practice.EntityKind, value time.Time) error
	UpsertPatient(ctx context.Context, p practice.Patient) (uuid.UUID, error)
	UpsertAppointment(ctx context.Context, a practice.Appointment) (uuid.UUID, error)
	UpsertResource(ctx context.Context, r practice.Resource) (uuid.UUID, error)
}

// Metrics receives per-run observations.
type Metrics interface {
	ObserveSyncRun(kind, state string, applied, failed int)
	ObserveSyncSkipped(kind string)
}

// Config tunes the engine.
type Config struct {
	PageSize int
	// InitialLookback bounds the first appointments pull. Other kinds start from scratch.
	InitialLookback time.Duration
	Retry           pms.RetryPolicy
}

// Engine pulls changes from the PMS into the internal store.
type Engine struct {
	api     API
	store   Store
	mapper  *mapping.Mapper
	guard   Guard
	metrics Metrics
	logger  *logging.Logger
	cfg     Config
	now     func() time.Time
}

func NewEngine(api API, store Store, guard Guard, metrics Metrics, cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if guard == nil {
		guard = NewKeyedGuard()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 30 * 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = pms.DefaultRetryPolicy()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Engine{
		api:     api,
		store:   store,
		mapper:  mapping.NewMapper(),
		guard:   guard,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// record is one fetched item, ready to apply.
type record struct {
	externalID string
	updatedAt  time.Time
	apply      func(ctx context.Context) error
}

type fetchFunc func(ctx context.Context, params pms.PageParams) ([]record, pms.Page[struct{}], error)

// Run performs one incremental pass for (integration, kind). A run already in flight
// for the same key makes this call return Skipped without touching anything.
func (e *Engine) Run(ctx context.Context, session *pms.Session, integration practice.Integration, kind Kind) KindResult {
	res := KindResult{Kind: kind, State: StateIdle}
	logger := e.logger.With("integration_id", integration.Key(), "kind", string(kind))

	release, acquired, err := e.guard.TryAcquire(ctx, integration.Key()+":"+string(kind))
	if err != nil {
		res.State = StateFailed
		res.Err = err
		e.observe(res)
		return res
	}
	if !acquired {
		res.Skipped = true
		logger.Info("sync already in flight; skipping")
		if e.metrics != nil {
			e.metrics.ObserveSyncSkipped(string(kind))
		}
		return res
	}
	defer release()

	entity := kind.Entity()
	old, ok, err := e.store.GetWatermark(ctx, integration.ID, entity)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		e.observe(res)
		return res
	}
	if !ok {
		old = e.initialWatermark(kind)
	}
	res.PreviousWatermark = old
	res.Watermark = old

	fetch := e.fetcher(session, integration.ID, kind)
	var (
		prefixMax  time.Time
		prefixOpen = true
		minFailed  time.Time
		anyFailed  bool
	)
	cursor := ""
	for {
		res.State = StateFetching
		records, page, err := fetch(ctx, pms.PageParams{PerPage: e.cfg.PageSize, Cursor: cursor, UpdatedSince: old})
		if err != nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("syncer: fetch %s: %w", kind, err)
			logger.Error("sync fetch failed; watermark unchanged", "error", err, "applied", res.Applied)
			e.observe(res)
			return res
		}
		res.Fetched += len(records)

		res.State = StateApplying
		sort.SliceStable(records, func(i, j int) bool { return records[i].updatedAt.Before(records[j].updatedAt) })
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				res.State = StateFailed
				res.Err = err
				e.observe(res)
				return res
			}
			if err := rec.apply(ctx); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", entity, rec.externalID, err))
				logger.Warn("sync record failed", "external_id", rec.externalID, "error", err)
				prefixOpen = false
				if !anyFailed || rec.updatedAt.Before(minFailed) {
					minFailed = rec.updatedAt
				}
				anyFailed = true
				continue
			}
			res.Applied++
			if prefixOpen && rec.updatedAt.After(prefixMax) {
				prefixMax = rec.updatedAt
			}
		}

		if !page.HasMore {
			break
		}
		if page.NextCursor == cursor {
			res.State = StateFailed
			res.Err = fmt.Errorf("syncer: fetch %s: cursor %q did not advance", kind, cursor)
			logger.Error("sync paging stalled; watermark unchanged", "cursor", cursor)
			e.observe(res)
			return res
		}
		cursor = page.NextCursor
	}

	next := nextWatermark(old, prefixMax, minFailed, anyFailed)
	if next.After(old) {
		if err := e.store.AdvanceWatermark(ctx, integration.ID, entity, next); err != nil {
			res.State = StateFailed
			res.Err = err
			logger.Error("failed to advance watermark", "error", err)
			e.observe(res)
			return res
		}
		res.Watermark = next
	}

	if anyFailed {
		res.State = StatePartiallyApplied
	} else {
		res.State = StateIdle
	}
	logger.Info("sync pass complete",
		"state", string(res.State),
		"fetched", res.Fetched,
		"applied", res.Applied,
		"failed", res.Failed,
		"watermark", res.Watermark,
	)
	e.observe(res)
	return res
}

// initialWatermark is where a kind with no stored watermark starts. Reference data and
// patients are pulled in full; appointments only look back InitialLookback.
func (e *Engine) initialWatermark(kind Kind) time.Time {
	if kind == KindAppointments {
		return e.now().UTC().Add(-e.cfg.InitialLookback)
	}
	return time.Time{}
}

// nextWatermark never passes a failed record and never moves backwards.
func nextWatermark(old, prefixMax, minFailed time.Time, anyFailed bool) time.Time {
	next := prefixMax
	if anyFailed && minFailed.Before(next) {
		next = minFailed
	}
	if next.Before(old) {
		return old
	}
	return next
}

func (e *Engine) observe(res KindResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveSyncRun(string(res.Kind), string(res.State), res.Applied, res.Failed)
}

func (e *Engine) fetcher(session *pms.Session, integrationID uuid.UUID, kind Kind) fetchFunc {
	switch kind {
	case KindProviders:
		return pager(e, session, "list_providers", e.api.ListProviders, func(p pms.Provider) record {
			return record{externalID: p.ID.String(), updatedAt: p.UpdatedAt.UTC(), apply: func(ctx context.Context) error {
				r, err := e.mapper.ToInternalProvider(integrationID, p)
				if err != nil {
					return err
				}
				_, err = e.store.UpsertResource(ctx, r)
				return err
			}}
		})
	case KindOperatories:
		return pager(e, session, "list_operatories", e.api.ListOperatories, func(o pms.Operatory) record {
			return record{externalID: o.ID.String(), updatedAt: o.UpdatedAt.UTC(), apply: func(ctx context.Context) error {
				r, err := e.mapper.ToInternalOperatory(integrationID, o)
				if err != nil {
					return err
				}
				_, err = e.store.UpsertResource(ctx, r)
				return err
			}}
		})
	case KindAppointmentTypes:
		return pager(e, session, "list_appointment_types", e.api.ListAppointmentTypes, func(t pms.AppointmentType) record {
			return record{externalID: t.ID.String(), updatedAt: t.UpdatedAt.UTC(), apply: func(ctx context.Context) error {
				r, err := e.mapper.ToInternalAppointmentType(integrationID, t)
				if err != nil {
					return err
				}
				_, err = e.store.UpsertResource(ctx, r)
				return err
			}}
		})
	case KindPatients:
		return pager(e, session, "list_patients", e.api.ListPatients, func(p pms.Patient) record {
			return record{externalID: p.ID.String(), updatedAt: p.UpdatedAt.UTC(), apply: func(ctx context.Context) error {
				patient, err := e.mapper.ToInternalPatient(integrationID, p)
				if err != nil {
					return err
				}
				_, err = e.store.UpsertPatient(ctx, patient)
				return err
			}}
		})
	case KindAppointments:
		return pager(e, session, "list_appointments", e.api.ListAppointments, func(a pms.Appointment) record {
			return record{externalID: a.ID.String(), updatedAt: a.UpdatedAt.UTC(), apply: func(ctx context.Context) error {
				appt, err := e.mapper.ToInternalAppointment(integrationID, a)
				if err != nil {
					return err
				}
				_, err = e.store.UpsertAppointment(ctx, appt)
				return err
			}}
		})
	default:
		return func(ctx context.Context, params pms.PageParams) ([]record, pms.Page[struct{}], error) {
			return nil, pms.Page[struct{}]{}, fmt.Errorf("syncer: unknown kind %q", kind)
		}
	}
}

type listFunc[T any] func(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[T], error)

// pager fetches one page through the session (re-auth once) inside the retry policy.
func pager[T any](e *Engine, session *pms.Session, op string, list listFunc[T], toRecord func(T) record) fetchFunc {
	return func(ctx context.Context, params pms.PageParams) ([]record, pms.Page[struct{}], error) {
		var page pms.Page[T]
		err := pms.Retry(ctx, e.cfg.Retry.Named(op), func(ctx context.Context) error {
			p, err := pms.Call(ctx, session, func(ctx context.Context, cred pms.Credential) (pms.Page[T], error) {
				return list(ctx, cred, params)
			})
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, pms.Page[struct{}]{}, err
		}
		records := make([]record, 0, len(page.Data))
		for _, item := range page.Data {
			records = append(records, toRecord(item))
		}
		return records, pms.Page[struct{}]{HasMore: page.HasMore, NextCursor: page.NextCursor}, nil
	}
}

// IsFatal reports whether a KindResult error should stop the remaining kinds.
func IsFatal(err error) bool {
	return pms.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
