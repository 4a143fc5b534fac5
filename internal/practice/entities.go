package practice

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind names a resource that can carry an external reference or a watermark.
type EntityKind string

const (
	KindPatient         EntityKind = "patient"
	KindProvider        EntityKind = "provider"
	KindOperatory       EntityKind = "operatory"
	KindAppointmentType EntityKind = "appointment_type"
	KindAppointment     EntityKind = "appointment"
)

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindPatient, KindProvider, KindOperatory, KindAppointmentType, KindAppointment:
		return true
	default:
		return false
	}
}

// IsResource reports whether k is stored in practice_resources.
func (k EntityKind) IsResource() bool {
	return k == KindProvider || k == KindOperatory || k == KindAppointmentType
}

// Reference maps an internal entity to its identifier in the PMS.
type Reference struct {
	IntegrationID uuid.UUID
	Kind          EntityKind
	InternalID    uuid.UUID
	ExternalID    string
	Label         string
}

// Patient is the internal patient row.
type Patient struct {
	ID                uuid.UUID
	IntegrationID     uuid.UUID
	ExternalID        string
	FirstName         string
	LastName          string
	Email             string
	Phone             string
	DateOfBirth       *time.Time
	Inactive          bool
	ExternalUpdatedAt time.Time
}

// AppointmentStatus is the internal lifecycle of an appointment.
type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentDeleted   AppointmentStatus = "deleted"
)

// Appointment is the internal appointment row. Foreign keys stay as external IDs;
// the store resolves the patient link when the patient is already known.
type Appointment struct {
	ID                        uuid.UUID
	IntegrationID             uuid.UUID
	ExternalID                string
	PatientExternalID         string
	ProviderExternalID        string
	OperatoryExternalID       string
	AppointmentTypeExternalID string
	StartTime                 time.Time
	EndTime                   time.Time
	Status                    AppointmentStatus
	Note                      string
	ExternalUpdatedAt         time.Time
}

// Resource is reference data owned by the PMS: providers, operatories, appointment types.
type Resource struct {
	ID                uuid.UUID
	IntegrationID     uuid.UUID
	Kind              EntityKind
	ExternalID        string
	Name              string
	Active            bool
	ExternalUpdatedAt time.Time
}
