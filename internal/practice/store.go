package practice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfman30/medspa-pms-sync/internal/events"
)

// ErrIntegrationNotFound is returned when no integration matches the requested id.
var ErrIntegrationNotFound = errors.New("practice: integration not found")

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the narrow slice of the internal data store the sync engine reads and writes.
type Store struct {
	db DB
}

// NewStore creates a store backed by db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const integrationColumns = `id, org_id, api_key, subdomain, location_id, environment, active, created_at, updated_at`

// ListActiveIntegrations returns every integration flagged active.
func (s *Store) ListActiveIntegrations(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+integrationColumns+`
		FROM pms_integrations
		WHERE active = TRUE
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("practice: list active integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetIntegration loads one integration by id.
func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM pms_integrations
		WHERE id = $1`, id)
	in, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	return &in, nil
}

func scanIntegration(row pgx.Row) (Integration, error) {
	var in Integration
	var env string
	if err := row.Scan(&in.ID, &in.OrgID, &in.APIKey, &in.Subdomain, &in.LocationID, &env, &in.Active, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Integration{}, err
		}
		return Integration{}, fmt.Errorf("practice: scan integration: %w", err)
	}
	in.Environment = Environment(env)
	return in, nil
}

// ListReferences returns the provisioned references of one kind in a stable order.
func (s *Store) ListReferences(ctx context.Context, integrationID uuid.UUID, kind EntityKind) ([]Reference, error) {
	rows, err := s.db.Query(ctx, `
		SELECT internal_id, external_id, label
		FROM external_references
		WHERE integration_id = $1 AND entity_kind = $2
		ORDER BY created_at ASC, internal_id ASC`, integrationID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("practice: list %s references: %w", kind, err)
	}
	defer rows.Close()

	var refs []Reference
	for rows.Next() {
		ref := Reference{IntegrationID: integrationID, Kind: kind}
		if err := rows.Scan(&ref.InternalID, &ref.ExternalID, &ref.Label); err != nil {
			return nil, fmt.Errorf("practice: scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpsertPatient inserts or updates a patient keyed by its external reference.
// Replaying the same record leaves the row unchanged; older data never overwrites newer.
func (s *Store) UpsertPatient(ctx context.Context, p Patient) (uuid.UUID, error) {
	label := joinName(p.FirstName, p.LastName)
	return s.upsertByReference(ctx, p.IntegrationID, KindPatient, p.ExternalID, label,
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, integration_id, first_name, last_name, email, phone, date_of_birth, inactive, external_updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				id, p.IntegrationID, p.FirstName, p.LastName, p.Email, p.Phone, p.DateOfBirth, p.Inactive, p.ExternalUpdatedAt)
			return err
		},
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				UPDATE patients
				SET first_name = $2, last_name = $3, email = $4, phone = $5, date_of_birth = $6,
					inactive = $7, external_updated_at = $8, updated_at = now()
				WHERE id = $1 AND external_updated_at <= $8`,
				id, p.FirstName, p.LastName, p.Email, p.Phone, p.DateOfBirth, p.Inactive, p.ExternalUpdatedAt)
			return err
		})
}

// UpsertAppointment inserts or updates an appointment keyed by its external reference.
func (s *Store) UpsertAppointment(ctx context.Context, a Appointment) (uuid.UUID, error) {
	return s.upsertByReference(ctx, a.IntegrationID, KindAppointment, a.ExternalID, "",
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, integration_id, patient_id, patient_external_id, provider_external_id,
					operatory_external_id, appointment_type_external_id, start_time, end_time, status, note, external_updated_at)
				VALUES ($1, $2,
					(SELECT internal_id FROM external_references WHERE integration_id = $2 AND entity_kind = 'patient' AND external_id = $3),
					$3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				id, a.IntegrationID, a.PatientExternalID, a.ProviderExternalID, a.OperatoryExternalID,
				a.AppointmentTypeExternalID, a.StartTime, a.EndTime, string(a.Status), a.Note, a.ExternalUpdatedAt)
			return err
		},
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				UPDATE appointments
				SET patient_id = (SELECT internal_id FROM external_references WHERE integration_id = $2 AND entity_kind = 'patient' AND external_id = $3),
					patient_external_id = $3, provider_external_id = $4, operatory_external_id = $5,
					appointment_type_external_id = $6, start_time = $7, end_time = $8, status = $9, note = $10,
					external_updated_at = $11, updated_at = now()
				WHERE id = $1 AND external_updated_at <= $11`,
				id, a.IntegrationID, a.PatientExternalID, a.ProviderExternalID, a.OperatoryExternalID,
				a.AppointmentTypeExternalID, a.StartTime, a.EndTime, string(a.Status), a.Note, a.ExternalUpdatedAt)
			return err
		})
}

// UpsertResource inserts or updates a provider, operatory or appointment type.
func (s *Store) UpsertResource(ctx context.Context, r Resource) (uuid.UUID, error) {
	if !r.Kind.IsResource() {
		return uuid.Nil, fmt.Errorf("practice: %s is not a resource kind", r.Kind)
	}
	return s.upsertByReference(ctx, r.IntegrationID, r.Kind, r.ExternalID, r.Name,
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO practice_resources (id, integration_id, kind, name, active, external_updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				id, r.IntegrationID, string(r.Kind), r.Name, r.Active, r.ExternalUpdatedAt)
			return err
		},
		func(tx pgx.Tx, id uuid.UUID) error {
			_, err := tx.Exec(ctx, `
				UPDATE practice_resources
				SET name = $2, active = $3, external_updated_at = $4, updated_at = now()
				WHERE id = $1 AND external_updated_at <= $4`,
				id, r.Name, r.Active, r.ExternalUpdatedAt)
			return err
		})
}

func (s *Store) upsertByReference(ctx context.Context, integrationID uuid.UUID, kind EntityKind, externalID, label string, insert, update func(tx pgx.Tx, id uuid.UUID) error) (uuid.UUID, error) {
	if externalID == "" {
		return uuid.Nil, fmt.Errorf("practice: upsert %s: external id is required", kind)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("practice: begin %s upsert: %w", kind, err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT internal_id FROM external_references
		WHERE integration_id = $1 AND entity_kind = $2 AND external_id = $3
		FOR UPDATE`, integrationID, string(kind), externalID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		id = uuid.New()
		if err := insert(tx, id); err != nil {
			return uuid.Nil, fmt.Errorf("practice: insert %s %s: %w", kind, externalID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO external_references (integration_id, entity_kind, internal_id, external_id, label)
			VALUES ($1, $2, $3, $4, $5)`, integrationID, string(kind), id, externalID, label); err != nil {
			return uuid.Nil, fmt.Errorf("practice: insert %s reference %s: %w", kind, externalID, err)
		}
	case err != nil:
		return uuid.Nil, fmt.Errorf("practice: lookup %s reference %s: %w", kind, externalID, err)
	default:
		if err := update(tx, id); err != nil {
			return uuid.Nil, fmt.Errorf("practice: update %s %s: %w", kind, externalID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("practice: commit %s upsert: %w", kind, err)
	}
	return id, nil
}

// GetWatermark returns the stored watermark and whether one exists.
func (s *Store) GetWatermark(ctx context.Context, integrationID uuid.UUID, kind EntityKind) (time.Time, bool, error) {
	var value time.Time
	err := s.db.QueryRow(ctx, `
		SELECT watermark FROM sync_watermarks
		WHERE integration_id = $1 AND entity_kind = $2`, integrationID, string(kind)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("practice: get %s watermark: %w", kind, err)
	}
	return value.UTC(), true, nil
}

// AdvanceWatermark moves the watermark forward. A lower value is ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, integrationID uuid.UUID, kind EntityKind, value time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_watermarks (integration_id, entity_kind, watermark)
		VALUES ($1, $2, $3)
		ON CONFLICT (integration_id, entity_kind)
		DO UPDATE SET watermark = GREATEST(sync_watermarks.watermark, EXCLUDED.watermark), updated_at = now()`,
		integrationID, string(kind), value.UTC())
	if err != nil {
		return fmt.Errorf("practice: advance %s watermark: %w", kind, err)
	}
	return nil
}

// GetHealthRecord returns the last health record, or a healthy default when none exists.
func (s *Store) GetHealthRecord(ctx context.Context, integrationID uuid.UUID) (HealthRecord, error) {
	rec := HealthRecord{IntegrationID: integrationID}
	var state string
	var lastErr *string
	err := s.db.QueryRow(ctx, `
		SELECT state, consecutive_failures, last_checked_at, last_error
		FROM pms_health
		WHERE integration_id = $1`, integrationID).Scan(&state, &rec.ConsecutiveFailures, &rec.LastCheckedAt, &lastErr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InitialHealth(integrationID), nil
		}
		return HealthRecord{}, fmt.Errorf("practice: get health record: %w", err)
	}
	rec.State = HealthState(state)
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	return rec, nil
}

// SaveHealthRecord stores rec and, when evt is non-nil, appends it to the outbox in the same transaction.
func (s *Store) SaveHealthRecord(ctx context.Context, rec HealthRecord, evt events.Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("practice: begin health save: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastErr *string
	if rec.LastError != "" {
		lastErr = &rec.LastError
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pms_health (integration_id, state, consecutive_failures, last_checked_at, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (integration_id)
		DO UPDATE SET state = EXCLUDED.state, consecutive_failures = EXCLUDED.consecutive_failures,
			last_checked_at = EXCLUDED.last_checked_at, last_error = EXCLUDED.last_error, updated_at = now()`,
		rec.IntegrationID, string(rec.State), rec.ConsecutiveFailures, rec.LastCheckedAt, lastErr); err != nil {
		return fmt.Errorf("practice: save health record: %w", err)
	}

	if evt != nil {
		if _, err := events.Append(ctx, tx, rec.IntegrationID, "", evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("practice: commit health save: %w", err)
	}
	return nil
}

// RecordEvent appends evt to the outbox outside any transaction.
func (s *Store) RecordEvent(ctx context.Context, integrationID uuid.UUID, correlationID string, evt events.Event) error {
	_, err := events.Append(ctx, s.db, integrationID, correlationID, evt)
	return err
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
