package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wolfman30/medspa-pms-sync/internal/mapping"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrConfigurationGap means there is nothing to write against yet.
var ErrConfigurationGap = errors.New("no patients or providers with PMS references; run a reference-data sync before seeding")

// ItemKind is the outbound record type.
type ItemKind string

const (
	KindAppointment ItemKind = "appointment"
	KindPayment     ItemKind = "payment"
	KindAdjustment  ItemKind = "adjustment"
)

var kindOrder = map[ItemKind]int{KindAppointment: 0, KindPayment: 1, KindAdjustment: 2}

// API is the PMS surface the writer calls.
type API interface {
	CreateAppointment(ctx context.Context, cred pms.Credential, req pms.CreateAppointmentRequest) (pms.Created, error)
	CreatePayment(ctx context.Context, cred pms.Credential, req pms.CreatePaymentRequest) (pms.Created, error)
	CreateAdjustment(ctx context.Context, cred pms.Credential, req pms.CreateAdjustmentRequest) (pms.Created, error)
	ListPaymentTypes(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.PaymentType], error)
	ListAdjustmentTypes(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.AdjustmentType], error)
}

// Metrics counts items and fallback tiers.
type Metrics interface {
	ObserveWriterItem(kind string, ok bool)
	ObserveFallbackTier(resource, tier string)
}

// Config tunes the writer.
type Config struct {
	Concurrency   int
	RatePerSecond float64
	Retry         pms.RetryPolicy
}

// Pools are the provisioned references items are drawn from.
type Pools struct {
	Patients         []practice.Reference
	Providers        []practice.Reference
	Operatories      []practice.Reference
	AppointmentTypes []practice.Reference
}

// Gap reports whether there is nothing to write against yet.
func (p Pools) Gap() bool {
	return len(p.Patients) == 0 || len(p.Providers) == 0
}

// Counts is how many of each record a seed run creates.
type Counts struct {
	Appointments int `json:"appointments" validate:"gte=0,lte=500"`
	Payments     int `json:"payments" validate:"gte=0,lte=500"`
	Adjustments  int `json:"adjustments" validate:"gte=0,lte=500"`
}

func (c Counts) Total() int {
	return c.Appointments + c.Payments + c.Adjustments
}

// Options are per-invocation knobs. StartedAt pins the idempotency keys so a
// failed invocation can be replayed without creating duplicates.
type Options struct {
	IdempotencyPrefix      string
	StartedAt              time.Time
	ExplicitPaymentType    string
	ExplicitAdjustmentType string
}

// WithDefaults fills the prefix and pins StartedAt to now when unset.
func (o Options) WithDefaults(now time.Time) Options {
	if strings.TrimSpace(o.IdempotencyPrefix) == "" {
		o.IdempotencyPrefix = "seed"
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = now.UTC()
	}
	return o
}

// Summary is what a seed run reports: counts plus one line per failed item.
type Summary struct {
	IdempotencyPrefix   string            `json:"idempotency_prefix"`
	StartedAt           time.Time         `json:"started_at"`
	Attempted           int               `json:"attempted"`
	AppointmentsCreated int               `json:"appointments_created"`
	PaymentsCreated     int               `json:"payments_created"`
	AdjustmentsCreated  int               `json:"adjustments_created"`
	Errors              []string          `json:"errors"`
	ResolverTiers       map[string]string `json:"resolver_tiers,omitempty"`
}

func (s Summary) Created() int {
	return s.AppointmentsCreated + s.PaymentsCreated + s.AdjustmentsCreated
}

// Item is one outbound create with its references already chosen.
type Item struct {
	Kind        ItemKind
	Index       int
	Context     mapping.Context
	Appointment mapping.AppointmentDraft
	Payment     mapping.PaymentDraft
	Adjustment  mapping.AdjustmentDraft
}

// Writer pushes records into the PMS, one create per item, isolated per item.
type Writer struct {
	api     API
	mapper  *mapping.Mapper
	metrics Metrics
	logger  *logging.Logger
	cfg     Config
	now     func() time.Time
}

func New(api API, metrics Metrics, cfg Config, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = pms.DefaultRetryPolicy()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}
	return &Writer{
		api:     api,
		mapper:  mapping.NewMapper(),
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// IdempotencyKey is stable for one item of one invocation.
func IdempotencyKey(prefix string, kind ItemKind, startedAt time.Time, index int) string {
	return fmt.Sprintf("%s-%s-%d-%d", prefix, kind, startedAt.UnixMilli(), index)
}

// Pick returns the round-robin entry for item i.
func Pick(pool []practice.Reference, i int) (practice.Reference, bool) {
	if len(pool) == 0 {
		return practice.Reference{}, false
	}
	return pool[i%len(pool)], true
}

// ScheduleAt spreads items over business hours: eight slots a day from 09:00, starting tomorrow.
func ScheduleAt(startedAt time.Time, i int) time.Time {
	day := 1 + i/8
	hour := 9 + i%8
	y, m, d := startedAt.UTC().Date()
	return time.Date(y, m, d+day, hour, 0, 0, 0, time.UTC)
}

// NewResolver builds the per-invocation fallback resolver backed by the PMS type lists.
func (w *Writer) NewResolver(session *pms.Session, opts Options) *mapping.Resolver {
	var observer mapping.TierObserver
	if w.metrics != nil {
		observer = w.metrics
	}
	return mapping.NewResolver(mapping.ResolverConfig{
		ExplicitPaymentType:    opts.ExplicitPaymentType,
		ExplicitAdjustmentType: opts.ExplicitAdjustmentType,
		PaymentTypes: func(ctx context.Context) ([]string, error) {
			page, err := listWithRetry(ctx, w, session, "list_payment_types", w.api.ListPaymentTypes)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(page.Data))
			for _, t := range page.Data {
				names = append(names, t.Name)
			}
			return names, nil
		},
		AdjustmentTypes: func(ctx context.Context) ([]string, error) {
			page, err := listWithRetry(ctx, w, session, "list_adjustment_types", w.api.ListAdjustmentTypes)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(page.Data))
			for _, t := range page.Data {
				names = append(names, t.Name)
			}
			return names, nil
		},
		Logger:   w.logger,
		Observer: observer,
	})
}

func listWithRetry[T any](ctx context.Context, w *Writer, session *pms.Session, op string, list func(context.Context, pms.Credential, pms.PageParams) (pms.Page[T], error)) (pms.Page[T], error) {
	var page pms.Page[T]
	err := pms.Retry(ctx, w.cfg.Retry.Named(op), func(ctx context.Context) error {
		p, err := pms.Call(ctx, session, func(ctx context.Context, cred pms.Credential) (pms.Page[T], error) {
			return list(ctx, cred, pms.PageParams{PerPage: 25})
		})
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	return page, err
}

// Write maps and creates one item. Retries reuse the item's idempotency key.
func (w *Writer) Write(ctx context.Context, session *pms.Session, item Item) (pms.Created, error) {
	switch item.Kind {
	case KindAppointment:
		req, err := w.mapper.ToExternalAppointment(item.Context, item.Appointment)
		if err != nil {
			return pms.Created{}, err
		}
		return w.create(ctx, session, "create_appointment", func(ctx context.Context, cred pms.Credential) (pms.Created, error) {
			return w.api.CreateAppointment(ctx, cred, req)
		})
	case KindPayment:
		req, err := w.mapper.ToExternalPayment(ctx, item.Context, item.Payment)
		if err != nil {
			return pms.Created{}, err
		}
		return w.create(ctx, session, "create_payment", func(ctx context.Context, cred pms.Credential) (pms.Created, error) {
			return w.api.CreatePayment(ctx, cred, req)
		})
	case KindAdjustment:
		req, err := w.mapper.ToExternalAdjustment(ctx, item.Context, item.Adjustment)
		if err != nil {
			return pms.Created{}, err
		}
		return w.create(ctx, session, "create_adjustment", func(ctx context.Context, cred pms.Credential) (pms.Created, error) {
			return w.api.CreateAdjustment(ctx, cred, req)
		})
	default:
		return pms.Created{}, fmt.Errorf("writer: unknown item kind %q", item.Kind)
	}
}

func (w *Writer) create(ctx context.Context, session *pms.Session, op string, fn func(ctx context.Context, cred pms.Credential) (pms.Created, error)) (pms.Created, error) {
	var created pms.Created
	err := pms.Retry(ctx, w.cfg.Retry.Named(op), func(ctx context.Context) error {
		c, err := pms.Call(ctx, session, fn)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	return created, err
}

// Plan lays out every item of a seed run: round-robin references, spread dates, stable keys.
func (w *Writer) Plan(pools Pools, counts Counts, opts Options, resolver *mapping.Resolver) []Item {
	items := make([]Item, 0, counts.Total())
	add := func(kind ItemKind, n int, fill func(item *Item, i int)) {
		for i := 0; i < n; i++ {
			patient, _ := Pick(pools.Patients, i)
			provider, _ := Pick(pools.Providers, i)
			item := Item{
				Kind:  kind,
				Index: i,
				Context: mapping.Context{
					Patient:        patient,
					Provider:       provider,
					IdempotencyKey: IdempotencyKey(opts.IdempotencyPrefix, kind, opts.StartedAt, i),
					Resolver:       resolver,
				},
			}
			if op, ok := Pick(pools.Operatories, i); ok {
				item.Context.Operatory = &op
			}
			fill(&item, i)
			items = append(items, item)
		}
	}
	add(KindAppointment, counts.Appointments, func(item *Item, i int) {
		item.Appointment = mapping.AppointmentDraft{
			Start:    ScheduleAt(opts.StartedAt, i),
			Duration: 30 * time.Minute,
			Note:     "Seeded visit " + item.Context.IdempotencyKey,
		}
		if t, ok := Pick(pools.AppointmentTypes, i); ok {
			item.Appointment.AppointmentTypeExternalID = t.ExternalID
		}
	})
	add(KindPayment, counts.Payments, func(item *Item, i int) {
		item.Payment = mapping.PaymentDraft{
			Amount: PaymentAmount(i),
			PaidAt: ScheduleAt(opts.StartedAt, i),
			Note:   "Seeded payment " + item.Context.IdempotencyKey,
		}
	})
	add(KindAdjustment, counts.Adjustments, func(item *Item, i int) {
		item.Adjustment = mapping.AdjustmentDraft{
			Amount:      AdjustmentAmount(i),
			AppliedAt:   ScheduleAt(opts.StartedAt, i),
			Description: "Seeded adjustment " + item.Context.IdempotencyKey,
		}
	})
	return items
}

// PaymentAmount is 50.00 plus 2.50 per index step, cycling every ten items.
func PaymentAmount(i int) decimal.Decimal {
	return decimal.New(int64(5000+250*(i%10)), -2)
}

// AdjustmentAmount is a courtesy credit of 10.00 plus 1.25 per index step, cycling every eight items.
func AdjustmentAmount(i int) decimal.Decimal {
	return decimal.New(-int64(1000+125*(i%8)), -2)
}

type outcome struct {
	kind ItemKind
	idx  int
	err  error
}

// Seed creates counts records in the PMS. Items run concurrently under the configured
// limit and rate; one item's failure never stops the others. A fatal authentication
// error cancels the batch and is returned alongside the partial summary.
func (w *Writer) Seed(ctx context.Context, session *pms.Session, pools Pools, counts Counts, opts Options) (Summary, error) {
	opts = opts.WithDefaults(w.now())
	summary := Summary{IdempotencyPrefix: opts.IdempotencyPrefix, StartedAt: opts.StartedAt, Errors: []string{}}
	logger := w.logger.With("integration_id", session.Integration().Key(), "idempotency_prefix", opts.IdempotencyPrefix)

	if pools.Gap() {
		summary.Errors = []string{ErrConfigurationGap.Error()}
		logger.Warn("seed skipped: configuration gap", "patients", len(pools.Patients), "providers", len(pools.Providers))
		return summary, ErrConfigurationGap
	}

	resolver := w.NewResolver(session, opts)
	items := w.Plan(pools, counts, opts, resolver)

	limit := rate.Inf
	if w.cfg.RatePerSecond > 0 {
		limit = rate.Limit(w.cfg.RatePerSecond)
	}
	limiter := rate.NewLimiter(limit, w.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	var mu sync.Mutex
	var outcomes []outcome
	record := func(o outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
		if w.metrics != nil {
			w.metrics.ObserveWriterItem(string(o.kind), o.err == nil)
		}
	}

	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			_, err := w.Write(gctx, session, item)
			if err != nil && pms.IsFatal(err) {
				return err
			}
			if err != nil && gctx.Err() != nil {
				return nil
			}
			record(outcome{kind: item.Kind, idx: item.Index, err: err})
			if err != nil {
				logger.Warn("seed item failed", "kind", string(item.Kind), "index", item.Index, "error", err)
			}
			return nil
		})
	}
	fatal := g.Wait()
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}

	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].kind != outcomes[j].kind {
			return kindOrder[outcomes[i].kind] < kindOrder[outcomes[j].kind]
		}
		return outcomes[i].idx < outcomes[j].idx
	})
	for _, o := range outcomes {
		summary.Attempted++
		if o.err != nil {
			summary.Errors = append(summary.Errors, FormatItemError(o.kind, o.idx, o.err))
			continue
		}
		switch o.kind {
		case KindAppointment:
			summary.AppointmentsCreated++
		case KindPayment:
			summary.PaymentsCreated++
		case KindAdjustment:
			summary.AdjustmentsCreated++
		}
	}
	if tiers := resolver.Tiers(); len(tiers) > 0 {
		summary.ResolverTiers = make(map[string]string, len(tiers))
		for k, v := range tiers {
			summary.ResolverTiers[k] = string(v)
		}
	}

	if fatal != nil {
		summary.Errors = append(summary.Errors, fatal.Error())
		logger.Error("seed aborted", "error", fatal, "created", summary.Created())
		return summary, fatal
	}
	logger.Info("seed complete", "attempted", summary.Attempted, "created", summary.Created(), "failed", len(summary.Errors))
	return summary, nil
}

// FormatItemError renders one failed item for operators.
func FormatItemError(kind ItemKind, i int, err error) string {
	var apiErr *pms.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s #%d: %s", kind, i, apiErr.Error())
	}
	return fmt.Sprintf("%s #%d: %v", kind, i, err)
}
