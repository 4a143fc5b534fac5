package practice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/medspa-pms-sync/internal/events"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestUpsertPatientInsertsNewReference(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()
	updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT internal_id FROM external_references").
		WithArgs(integrationID, "patient", "pat-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO patients").
		WithArgs(pgxmock.AnyArg(), integrationID, "Ada", "Lovelace", "ada@example.com", "+15550001111", pgxmock.AnyArg(), false, updated).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO external_references").
		WithArgs(integrationID, "patient", pgxmock.AnyArg(), "pat-1", "Ada Lovelace").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := store.UpsertPatient(context.Background(), Patient{
		IntegrationID:     integrationID,
		ExternalID:        "pat-1",
		FirstName:         "Ada",
		LastName:          "Lovelace",
		Email:             "ada@example.com",
		Phone:             "+15550001111",
		ExternalUpdatedAt: updated,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPatientUpdatesExistingReference(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()
	existing := uuid.New()
	updated := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT internal_id FROM external_references").
		WithArgs(integrationID, "patient", "pat-1").
		WillReturnRows(pgxmock.NewRows([]string{"internal_id"}).AddRow(existing))
	mock.ExpectExec("UPDATE patients").
		WithArgs(existing, "Ada", "King", "", "", pgxmock.AnyArg(), true, updated).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := store.UpsertPatient(context.Background(), Patient{
		IntegrationID:     integrationID,
		ExternalID:        "pat-1",
		FirstName:         "Ada",
		LastName:          "King",
		Inactive:          true,
		ExternalUpdatedAt: updated,
	})
	require.NoError(t, err)
	assert.Equal(t, existing, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresExternalID(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.UpsertResource(context.Background(), Resource{IntegrationID: uuid.New(), Kind: KindProvider})
	assert.Error(t, err)

	_, err = store.UpsertResource(context.Background(), Resource{IntegrationID: uuid.New(), Kind: KindPatient, ExternalID: "x"})
	assert.Error(t, err)
}

func TestUpsertAppointmentRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT internal_id FROM external_references").
		WithArgs(integrationID, "appointment", "appt-9").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO appointments").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err := store.UpsertAppointment(context.Background(), Appointment{
		IntegrationID:     integrationID,
		ExternalID:        "appt-9",
		PatientExternalID: "pat-1",
		Status:            AppointmentBooked,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appt-9")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWatermarkMissing(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()

	mock.ExpectQuery("SELECT watermark FROM sync_watermarks").
		WithArgs(integrationID, "provider").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.GetWatermark(context.Background(), integrationID, KindProvider)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdvanceWatermarkUsesGreatest(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()
	value := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("GREATEST").
		WithArgs(integrationID, "appointment", value).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AdvanceWatermark(context.Background(), integrationID, KindAppointment, value))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntegrationNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM pms_integrations").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetIntegration(context.Background(), id)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)
}

func TestListReferencesKeepsOrder(t *testing.T) {
	store, mock := newMockStore(t)
	integrationID := uuid.New()
	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery("FROM external_references").
		WithArgs(integrationID, "provider").
		WillReturnRows(pgxmock.NewRows([]string{"internal_id", "external_id", "label"}).
			AddRow(a, "prov-1", "Dr. One").
			AddRow(b, "prov-2", "Dr. Two"))

	refs, err := store.ListReferences(context.Background(), integrationID, KindProvider)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "prov-1", refs[0].ExternalID)
	assert.Equal(t, b, refs[1].InternalID)
	assert.Equal(t, KindProvider, refs[1].Kind)
}

func TestGetHealthRecordDefaultsToHealthy(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM pms_health").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	rec, err := store.GetHealthRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestSaveHealthRecordAppendsEventInSameTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	rec := HealthRecord{IntegrationID: id, State: HealthDegraded, ConsecutiveFailures: 1, LastCheckedAt: now, LastError: "boom"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pms_health").
		WithArgs(id, "degraded", 1, now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "pms_integration:"+id.String(), "pms.health.changed.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.SaveHealthRecord(context.Background(), rec, events.HealthChangedV1{
		IntegrationID: id.String(),
		PreviousState: "healthy",
		State:         "degraded",
		CheckedAt:     now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHealthRecordWithoutTransition(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	rec := HealthRecord{IntegrationID: id, State: HealthHealthy, LastCheckedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pms_health").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveHealthRecord(context.Background(), rec, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
