package syncer

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) pms.FlexibleTime {
	return pms.FlexibleTime{Time: base.Add(time.Duration(minutes) * time.Minute)}
}

type fakeAPI struct {
	mu           sync.Mutex
	providers    []pms.Provider
	patients     []pms.Patient
	appointments []pms.Appointment
	params       []pms.PageParams
	failCall     int
	failErr      error
	calls        int
	rejectToken  string
}

func (f *fakeAPI) begin(cred pms.Credential, params pms.PageParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.params = append(f.params, params)
	if f.rejectToken != "" && cred.Token == f.rejectToken {
		return &pms.APIError{StatusCode: http.StatusUnauthorized}
	}
	if f.failCall > 0 && f.calls == f.failCall {
		return f.failErr
	}
	return nil
}

func paginate[T any](items []T, updated func(T) time.Time, params pms.PageParams) pms.Page[T] {
	var filtered []T
	for _, item := range items {
		if u := updated(item); u.IsZero() || !u.Before(params.UpdatedSince) {
			filtered = append(filtered, item)
		}
	}
	start := 0
	if params.Cursor != "" {
		start, _ = strconv.Atoi(params.Cursor)
	}
	end := len(filtered)
	if params.PerPage > 0 && start+params.PerPage < end {
		end = start + params.PerPage
	}
	page := pms.Page[T]{Data: filtered[start:end]}
	if end < len(filtered) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page
}

func (f *fakeAPI) ListProviders(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Provider], error) {
	if err := f.begin(cred, params); err != nil {
		return pms.Page[pms.Provider]{}, err
	}
	return paginate(f.providers, func(p pms.Provider) time.Time { return p.UpdatedAt.Time }, params), nil
}

func (f *fakeAPI) ListOperatories(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Operatory], error) {
	if err := f.begin(cred, params); err != nil {
		return pms.Page[pms.Operatory]{}, err
	}
	return pms.Page[pms.Operatory]{}, nil
}

func (f *fakeAPI) ListAppointmentTypes(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.AppointmentType], error) {
	if err := f.begin(cred, params); err != nil {
		return pms.Page[pms.AppointmentType]{}, err
	}
	return pms.Page[pms.AppointmentType]{}, nil
}

func (f *fakeAPI) ListPatients(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Patient], error) {
	if err := f.begin(cred, params); err != nil {
		return pms.Page[pms.Patient]{}, err
	}
	return paginate(f.patients, func(p pms.Patient) time.Time { return p.UpdatedAt.Time }, params), nil
}

func (f *fakeAPI) ListAppointments(ctx context.Context, cred pms.Credential, params pms.PageParams) (pms.Page[pms.Appointment], error) {
	if err := f.begin(cred, params); err != nil {
		return pms.Page[pms.Appointment]{}, err
	}
	return paginate(f.appointments, func(a pms.Appointment) time.Time { return a.UpdatedAt.Time }, params), nil
}

type storedRow struct {
	id      uuid.UUID
	updated time.Time
	name    string
}

type memStore struct {
	mu         sync.Mutex
	rows       map[string]storedRow
	watermarks map[practice.EntityKind]time.Time
	failIDs    map[string]bool
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[string]storedRow),
		watermarks: make(map[practice.EntityKind]time.Time),
		failIDs:    make(map[string]bool),
	}
}

func (s *memStore) GetWatermark(ctx context.Context, integrationID uuid.UUID, kind practice.EntityKind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.watermarks[kind]
	return v, ok, nil
}

func (s *memStore) AdvanceWatermark(ctx context.Context, integrationID uuid.UUID, kind practice.EntityKind, value time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value.After(s.watermarks[kind]) {
		s.watermarks[kind] = value
	}
	return nil
}

func (s *memStore) upsert(kind practice.EntityKind, externalID, name string, updated time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.failIDs[externalID] {
		return uuid.Nil, errors.New("constraint violation")
	}
	key := string(kind) + ":" + externalID
	row, ok := s.rows[key]
	if !ok {
		row = storedRow{id: uuid.New()}
	}
	if !ok || !updated.Before(row.updated) {
		row.updated = updated
		row.name = name
	}
	s.rows[key] = row
	return row.id, nil
}

func (s *memStore) UpsertPatient(ctx context.Context, p practice.Patient) (uuid.UUID, error) {
	return s.upsert(practice.KindPatient, p.ExternalID, p.FirstName+" "+p.LastName, p.ExternalUpdatedAt)
}

func (s *memStore) UpsertAppointment(ctx context.Context, a practice.Appointment) (uuid.UUID, error) {
	return s.upsert(practice.KindAppointment, a.ExternalID, string(a.Status), a.ExternalUpdatedAt)
}

func (s *memStore) UpsertResource(ctx context.Context, r practice.Resource) (uuid.UUID, error) {
	return s.upsert(r.Kind, r.ExternalID, r.Name, r.ExternalUpdatedAt)
}

type staticAuth struct {
	mu    sync.Mutex
	calls int
}

func (a *staticAuth) Authenticate(ctx context.Context, integration practice.Integration) (pms.Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return pms.Credential{Token: "tok-" + strconv.Itoa(a.calls)}, nil
}

func testIntegration() practice.Integration {
	return practice.Integration{
		ID:          uuid.MustParse("7d7a6d4e-2f3b-4c5d-8e9f-0a1b2c3d4e5f"),
		OrgID:       "org-1",
		APIKey:      "key",
		Subdomain:   "demo",
		LocationID:  "1",
		Environment: practice.EnvironmentSandbox,
		Active:      true,
	}
}

func newTestEngine(api API, store Store, guard Guard) *Engine {
	e := NewEngine(api, store, guard, nil, Config{
		PageSize: 2,
		Retry:    pms.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, logging.New("error"))
	e.now = func() time.Time { return base.Add(24 * time.Hour) }
	return e
}

func newSession() *pms.Session {
	return pms.NewSession(&staticAuth{}, testIntegration(), logging.New("error"))
}

func patient(id string, minutes int) pms.Patient {
	return pms.Patient{ID: pms.FlexibleID(id), FirstName: "P", LastName: id, UpdatedAt: at(minutes)}
}

func TestRunAppliesAndAdvancesWatermark(t *testing.T) {
	api := &fakeAPI{patients: []pms.Patient{patient("3", 30), patient("1", 10), patient("2", 20)}}
	store := newMemStore()
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindPatients)
	require.NoError(t, res.Err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, at(30).Time, res.Watermark)
	assert.Equal(t, at(30).Time, store.watermarks[practice.KindPatient])
	assert.True(t, api.params[0].UpdatedSince.IsZero(), "first patients pull is a full pull")
}

func TestFirstRunPullsOldReferenceData(t *testing.T) {
	yearOld := pms.FlexibleTime{Time: base.Add(-365 * 24 * time.Hour)}
	api := &fakeAPI{providers: []pms.Provider{{ID: "7", Name: "Dr. Seven", UpdatedAt: yearOld}}}
	store := newMemStore()
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindProviders)
	require.NoError(t, res.Err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "Dr. Seven", store.rows["provider:7"].name)
	assert.True(t, api.params[0].UpdatedSince.IsZero())
	assert.Equal(t, yearOld.Time, store.watermarks[practice.KindProvider])

	res = e.Run(context.Background(), newSession(), testIntegration(), KindProviders)
	require.NoError(t, res.Err)
	assert.Equal(t, yearOld.Time, api.params[1].UpdatedSince)
}

func TestFirstRunAppointmentsUseLookback(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(api, newMemStore(), nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindAppointments)
	require.NoError(t, res.Err)
	require.Len(t, api.params, 1)
	assert.Equal(t, base.Add(24*time.Hour).Add(-30*24*time.Hour), api.params[0].UpdatedSince)
}

func TestRunIsIdempotent(t *testing.T) {
	api := &fakeAPI{patients: []pms.Patient{patient("1", 10), patient("2", 20)}}
	store := newMemStore()
	e := newTestEngine(api, store, nil)
	integration := testIntegration()

	first := e.Run(context.Background(), newSession(), integration, KindPatients)
	require.NoError(t, first.Err)
	snapshot := make(map[string]storedRow, len(store.rows))
	for k, v := range store.rows {
		snapshot[k] = v
	}

	second := e.Run(context.Background(), newSession(), integration, KindPatients)
	require.NoError(t, second.Err)
	assert.Equal(t, snapshot, store.rows)
	assert.Equal(t, first.Watermark, second.Watermark)
}

func TestRunFailedRecordBlocksWatermark(t *testing.T) {
	api := &fakeAPI{patients: []pms.Patient{patient("1", 10), patient("2", 20), patient("3", 30), patient("4", 40)}}
	store := newMemStore()
	store.failIDs["3"] = true
	e := newTestEngine(api, store, nil)
	integration := testIntegration()

	res := e.Run(context.Background(), newSession(), integration, KindPatients)
	require.NoError(t, res.Err)
	assert.Equal(t, StatePartiallyApplied, res.State)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, at(20).Time, res.Watermark, "watermark must stop before the failed record")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "patient 3")
	_, applied := store.rows["patient:4"]
	assert.True(t, applied, "records after a failure are still applied")

	delete(store.failIDs, "3")
	res = e.Run(context.Background(), newSession(), integration, KindPatients)
	require.NoError(t, res.Err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, at(40).Time, res.Watermark)
	assert.Equal(t, at(20).Time, api.params[len(api.params)-2].UpdatedSince)
}

func TestRunMalformedRecordHoldsWatermark(t *testing.T) {
	bad := pms.Patient{ID: "9", FirstName: "No", LastName: "Timestamp"}
	api := &fakeAPI{patients: []pms.Patient{patient("1", 10), bad}}
	store := newMemStore()
	store.watermarks[practice.KindPatient] = at(0).Time
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindPatients)
	assert.Equal(t, StatePartiallyApplied, res.State)
	assert.Equal(t, at(0).Time, res.Watermark)
}

func TestRunFetchFailureLeavesWatermark(t *testing.T) {
	api := &fakeAPI{
		patients: []pms.Patient{patient("1", 10), patient("2", 20), patient("3", 30)},
		failCall: 2,
		failErr:  &pms.APIError{StatusCode: http.StatusUnprocessableEntity, Body: "bad cursor"},
	}
	store := newMemStore()
	store.watermarks[practice.KindPatient] = at(5).Time
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindPatients)
	assert.Equal(t, StateFailed, res.State)
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, at(5).Time, store.watermarks[practice.KindPatient])
}

func TestRunRetriesTransientPageFailure(t *testing.T) {
	api := &fakeAPI{
		providers: []pms.Provider{{ID: "7", Name: "Dr. Seven", UpdatedAt: at(1)}},
		failCall:  1,
		failErr:   &pms.APIError{StatusCode: http.StatusServiceUnavailable},
	}
	store := newMemStore()
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindProviders)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "Dr. Seven", store.rows["provider:7"].name)
}

func TestRunReauthenticatesOnceOn401(t *testing.T) {
	api := &fakeAPI{patients: []pms.Patient{patient("1", 10)}, rejectToken: "tok-1"}
	store := newMemStore()
	e := newTestEngine(api, store, nil)

	res := e.Run(context.Background(), newSession(), testIntegration(), KindPatients)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Applied)
}

func TestRunSkipsWhenInFlight(t *testing.T) {
	guard := NewKeyedGuard()
	integration := testIntegration()
	release, ok, err := guard.TryAcquire(context.Background(), integration.Key()+":"+string(KindPatients))
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	api := &fakeAPI{patients: []pms.Patient{patient("1", 10)}}
	store := newMemStore()
	e := newTestEngine(api, store, guard)

	res := e.Run(context.Background(), newSession(), integration, KindPatients)
	assert.True(t, res.Skipped)
	assert.Zero(t, api.calls)
	assert.Zero(t, store.upserts)

	other := e.Run(context.Background(), newSession(), integration, KindAppointments)
	assert.False(t, other.Skipped)
}

func TestNextWatermark(t *testing.T) {
	t0, t1, t2, t3 := at(0).Time, at(10).Time, at(20).Time, at(30).Time
	tests := []struct {
		name      string
		old       time.Time
		prefixMax time.Time
		minFailed time.Time
		anyFailed bool
		want      time.Time
	}{
		{"all applied", t0, t3, time.Time{}, false, t3},
		{"capped at failure", t0, t3, t2, true, t2},
		{"prefix below failure", t0, t1, t2, true, t1},
		{"never backwards", t2, t1, time.Time{}, false, t2},
		{"failure below old", t2, t3, t1, true, t2},
		{"nothing fetched", t1, time.Time{}, time.Time{}, false, t1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextWatermark(tt.old, tt.prefixMax, tt.minFailed, tt.anyFailed))
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("appointment_types")
	require.NoError(t, err)
	assert.Equal(t, practice.KindAppointmentType, k.Entity())
	_, err = ParseKind("invoices")
	assert.Error(t, err)
}
