package mapping

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
)

const defaultAppointmentLength = 30 * time.Minute

// Mapper translates between PMS wire records and internal entities. It holds no state.
type Mapper struct{}

// NewMapper returns a Mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// ToInternalPatient maps a PMS patient for one integration.
func (m *Mapper) ToInternalPatient(integrationID uuid.UUID, p pms.Patient) (practice.Patient, error) {
	id := p.ID.String()
	if id == "" {
		return practice.Patient{}, fieldError("patient", "", "id", "is missing")
	}
	if p.UpdatedAt.IsZero() {
		return practice.Patient{}, fieldError("patient", id, "updated_at", "is missing")
	}
	out := practice.Patient{
		IntegrationID:     integrationID,
		ExternalID:        id,
		FirstName:         strings.TrimSpace(p.FirstName),
		LastName:          strings.TrimSpace(p.LastName),
		Email:             strings.ToLower(strings.TrimSpace(p.Email)),
		Phone:             strings.TrimSpace(p.Bio.PhoneNumber),
		Inactive:          p.Inactive,
		ExternalUpdatedAt: p.UpdatedAt.UTC(),
	}
	if out.FirstName == "" && out.LastName == "" {
		return practice.Patient{}, fieldError("patient", id, "name", "is missing")
	}
	if dob := strings.TrimSpace(p.Bio.DateOfBirth); dob != "" {
		parsed, err := pms.ParseTime(dob)
		if err != nil {
			return practice.Patient{}, fieldError("patient", id, "date_of_birth", "is not a date")
		}
		out.DateOfBirth = &parsed
	}
	return out, nil
}

// ToInternalAppointment maps a PMS appointment. Provider and operatory links stay external.
func (m *Mapper) ToInternalAppointment(integrationID uuid.UUID, a pms.Appointment) (practice.Appointment, error) {
	id := a.ID.String()
	if id == "" {
		return practice.Appointment{}, fieldError("appointment", "", "id", "is missing")
	}
	if a.UpdatedAt.IsZero() {
		return practice.Appointment{}, fieldError("appointment", id, "updated_at", "is missing")
	}
	if a.PatientID == "" {
		return practice.Appointment{}, fieldError("appointment", id, "patient_id", "is missing")
	}
	if a.StartTime.IsZero() {
		return practice.Appointment{}, fieldError("appointment", id, "start_time", "is missing")
	}
	end := a.EndTime.Time
	if end.IsZero() {
		end = a.StartTime.Add(defaultAppointmentLength)
	}
	if end.Before(a.StartTime.Time) {
		return practice.Appointment{}, fieldError("appointment", id, "end_time", "is before start_time")
	}
	return practice.Appointment{
		IntegrationID:             integrationID,
		ExternalID:                id,
		PatientExternalID:         a.PatientID.String(),
		ProviderExternalID:        a.ProviderID.String(),
		OperatoryExternalID:       a.OperatoryID.String(),
		AppointmentTypeExternalID: a.AppointmentTypeID.String(),
		StartTime:                 a.StartTime.UTC(),
		EndTime:                   end.UTC(),
		Status:                    appointmentStatus(a),
		Note:                      strings.TrimSpace(a.Note),
		ExternalUpdatedAt:         a.UpdatedAt.UTC(),
	}, nil
}

func appointmentStatus(a pms.Appointment) practice.AppointmentStatus {
	switch {
	case a.Deleted:
		return practice.AppointmentDeleted
	case a.Cancelled:
		return practice.AppointmentCancelled
	case a.Confirmed:
		return practice.AppointmentConfirmed
	default:
		return practice.AppointmentBooked
	}
}

func (m *Mapper) ToInternalProvider(integrationID uuid.UUID, p pms.Provider) (practice.Resource, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	}
	return resource(integrationID, practice.KindProvider, p.ID, name, !p.Inactive, p.UpdatedAt)
}

func (m *Mapper) ToInternalOperatory(integrationID uuid.UUID, o pms.Operatory) (practice.Resource, error) {
	return resource(integrationID, practice.KindOperatory, o.ID, o.Name, o.Active, o.UpdatedAt)
}

func (m *Mapper) ToInternalAppointmentType(integrationID uuid.UUID, t pms.AppointmentType) (practice.Resource, error) {
	return resource(integrationID, practice.KindAppointmentType, t.ID, t.Name, true, t.UpdatedAt)
}

func resource(integrationID uuid.UUID, kind practice.EntityKind, id pms.FlexibleID, name string, active bool, updated pms.FlexibleTime) (practice.Resource, error) {
	if id == "" {
		return practice.Resource{}, fieldError(string(kind), "", "id", "is missing")
	}
	if updated.IsZero() {
		return practice.Resource{}, fieldError(string(kind), id.String(), "updated_at", "is missing")
	}
	return practice.Resource{
		IntegrationID:     integrationID,
		Kind:              kind,
		ExternalID:        id.String(),
		Name:              strings.TrimSpace(name),
		Active:            active,
		ExternalUpdatedAt: updated.UTC(),
	}, nil
}

// Context carries the resolved references for one outbound item.
type Context struct {
	Patient        practice.Reference
	Provider       practice.Reference
	Operatory      *practice.Reference
	IdempotencyKey string
	Resolver       *Resolver
}

func (c Context) check(kind string) error {
	if strings.TrimSpace(c.IdempotencyKey) == "" {
		return fieldError(kind, "", "idempotency_key", "is missing")
	}
	if c.Patient.ExternalID == "" {
		return fieldError(kind, c.IdempotencyKey, "patient", "has no external reference")
	}
	if c.Provider.ExternalID == "" {
		return fieldError(kind, c.IdempotencyKey, "provider", "has no external reference")
	}
	return nil
}

type AppointmentDraft struct {
	Start                     time.Time
	Duration                  time.Duration
	AppointmentTypeExternalID string
	Note                      string
}

type PaymentDraft struct {
	Amount decimal.Decimal
	PaidAt time.Time
	Note   string
}

type AdjustmentDraft struct {
	Amount      decimal.Decimal
	AppliedAt   time.Time
	Description string
}

// ToExternalAppointment builds a validated create-appointment payload.
func (m *Mapper) ToExternalAppointment(mctx Context, d AppointmentDraft) (pms.CreateAppointmentRequest, error) {
	if err := mctx.check("appointment"); err != nil {
		return pms.CreateAppointmentRequest{}, err
	}
	length := d.Duration
	if length <= 0 {
		length = defaultAppointmentLength
	}
	req := pms.CreateAppointmentRequest{
		PatientID:         mctx.Patient.ExternalID,
		ProviderID:        mctx.Provider.ExternalID,
		AppointmentTypeID: d.AppointmentTypeExternalID,
		StartTime:         d.Start.UTC(),
		EndTime:           d.Start.Add(length).UTC(),
		Note:              d.Note,
		IdempotencyKey:    mctx.IdempotencyKey,
	}
	if mctx.Operatory != nil {
		req.OperatoryID = mctx.Operatory.ExternalID
	}
	if err := req.Validate(); err != nil {
		return pms.CreateAppointmentRequest{}, &MappingError{Kind: "appointment", ExternalID: mctx.IdempotencyKey, Reason: err.Error()}
	}
	return req, nil
}

// ToExternalPayment builds a validated create-payment payload. The payment type comes from the resolver.
func (m *Mapper) ToExternalPayment(ctx context.Context, mctx Context, d PaymentDraft) (pms.CreatePaymentRequest, error) {
	if err := mctx.check("payment"); err != nil {
		return pms.CreatePaymentRequest{}, err
	}
	if mctx.Resolver == nil {
		return pms.CreatePaymentRequest{}, fieldError("payment", mctx.IdempotencyKey, "payment_type", "has no resolver")
	}
	req := pms.CreatePaymentRequest{
		PatientID:       mctx.Patient.ExternalID,
		ProviderID:      mctx.Provider.ExternalID,
		Amount:          d.Amount,
		PaymentTypeName: mctx.Resolver.PaymentTypeName(ctx),
		PaidAt:          d.PaidAt.UTC(),
		Note:            d.Note,
		TransactionID:   mctx.IdempotencyKey,
		IdempotencyKey:  mctx.IdempotencyKey,
	}
	if err := req.Validate(); err != nil {
		return pms.CreatePaymentRequest{}, &MappingError{Kind: "payment", ExternalID: mctx.IdempotencyKey, Reason: err.Error()}
	}
	return req, nil
}

// ToExternalAdjustment builds a validated create-adjustment payload.
func (m *Mapper) ToExternalAdjustment(ctx context.Context, mctx Context, d AdjustmentDraft) (pms.CreateAdjustmentRequest, error) {
	if err := mctx.check("adjustment"); err != nil {
		return pms.CreateAdjustmentRequest{}, err
	}
	if mctx.Resolver == nil {
		return pms.CreateAdjustmentRequest{}, fieldError("adjustment", mctx.IdempotencyKey, "adjustment_type", "has no resolver")
	}
	req := pms.CreateAdjustmentRequest{
		PatientID:          mctx.Patient.ExternalID,
		ProviderID:         mctx.Provider.ExternalID,
		Amount:             d.Amount,
		AdjustmentTypeName: mctx.Resolver.AdjustmentTypeName(ctx),
		AppliedAt:          d.AppliedAt.UTC(),
		Description:        d.Description,
		TransactionID:      mctx.IdempotencyKey,
		IdempotencyKey:     mctx.IdempotencyKey,
	}
	if err := req.Validate(); err != nil {
		return pms.CreateAdjustmentRequest{}, &MappingError{Kind: "adjustment", ExternalID: mctx.IdempotencyKey, Reason: err.Error()}
	}
	return req, nil
}
