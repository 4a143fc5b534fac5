package pms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Credential is the short-lived bearer token plus the routing the PMS needs on every call.
type Credential struct {
	Token      string
	BaseURL    string
	Subdomain  string
	LocationID string
	IssuedAt   time.Time
}

// PageParams controls one list call. UpdatedSince is inclusive.
type PageParams struct {
	PerPage      int
	Cursor       string
	UpdatedSince time.Time
}

// Page is one page of a cursor-paginated list.
type Page[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// FlexibleID accepts JSON numbers or strings.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("pms: id %s is neither string nor number", string(data))
	}
	*id = FlexibleID(n.String())
	return nil
}

func (id FlexibleID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id FlexibleID) String() string { return string(id) }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FlexibleTime decodes the handful of timestamp shapes the PMS emits. Zoneless values are UTC.
type FlexibleTime struct {
	time.Time
}

func (t *FlexibleTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pms: timestamp %s is not a string", string(data))
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t FlexibleTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// ParseTime parses a PMS timestamp. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("pms: unrecognized timestamp %q", s)
}

// Patient as returned by GET /patients.
type Patient struct {
	ID        FlexibleID   `json:"id"`
	FirstName string       `json:"first_name"`
	LastName  string       `json:"last_name"`
	Email     string       `json:"email"`
	Inactive  bool         `json:"inactive"`
	Bio       PatientBio   `json:"bio"`
	UpdatedAt FlexibleTime `json:"updated_at"`
}

type PatientBio struct {
	PhoneNumber string `json:"phone_number"`
	DateOfBirth string `json:"date_of_birth"`
}

// Appointment as returned by GET /appointments.
type Appointment struct {
	ID                FlexibleID   `json:"id"`
	PatientID         FlexibleID   `json:"patient_id"`
	ProviderID        FlexibleID   `json:"provider_id"`
	OperatoryID       FlexibleID   `json:"operatory_id"`
	AppointmentTypeID FlexibleID   `json:"appointment_type_id"`
	StartTime         FlexibleTime `json:"start_time"`
	EndTime           FlexibleTime `json:"end_time"`
	Confirmed         bool         `json:"confirmed"`
	Cancelled         bool         `json:"cancelled"`
	Deleted           bool         `json:"deleted"`
	Note              string       `json:"note"`
	UpdatedAt         FlexibleTime `json:"updated_at"`
}

type Provider struct {
	ID        FlexibleID   `json:"id"`
	FirstName string       `json:"first_name"`
	LastName  string       `json:"last_name"`
	Name      string       `json:"name"`
	Inactive  bool         `json:"inactive"`
	UpdatedAt FlexibleTime `json:"updated_at"`
}

type Operatory struct {
	ID        FlexibleID   `json:"id"`
	Name      string       `json:"name"`
	Active    bool         `json:"active"`
	UpdatedAt FlexibleTime `json:"updated_at"`
}

type AppointmentType struct {
	ID        FlexibleID   `json:"id"`
	Name      string       `json:"name"`
	Minutes   int          `json:"minutes"`
	UpdatedAt FlexibleTime `json:"updated_at"`
}

// PaymentType and AdjustmentType are only read for their names.
type PaymentType struct {
	ID   FlexibleID `json:"id"`
	Name string     `json:"name"`
}

type AdjustmentType struct {
	ID   FlexibleID `json:"id"`
	Name string     `json:"name"`
}

// CreateAppointmentRequest is the body of POST /appointments under "appt".
type CreateAppointmentRequest struct {
	PatientID         string    `json:"patient_id" validate:"required"`
	ProviderID        string    `json:"provider_id" validate:"required"`
	OperatoryID       string    `json:"operatory_id,omitempty"`
	AppointmentTypeID string    `json:"appointment_type_id,omitempty"`
	StartTime         time.Time `json:"start_time" validate:"required"`
	EndTime           time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	Note              string    `json:"note,omitempty"`
	IdempotencyKey    string    `json:"idempotency_key" validate:"required"`
}

// CreatePaymentRequest is the body of POST /payments under "payment".
type CreatePaymentRequest struct {
	PatientID       string          `json:"patient_id" validate:"required"`
	ProviderID      string          `json:"provider_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentTypeName string          `json:"payment_type" validate:"required"`
	PaidAt          time.Time       `json:"paid_at" validate:"required"`
	Note            string          `json:"note,omitempty"`
	TransactionID   string          `json:"transaction_id" validate:"required"`
	IdempotencyKey  string          `json:"idempotency_key" validate:"required"`
}

// CreateAdjustmentRequest is the body of POST /adjustments under "adjustment".
type CreateAdjustmentRequest struct {
	PatientID          string          `json:"patient_id" validate:"required"`
	ProviderID         string          `json:"provider_id" validate:"required"`
	Amount             decimal.Decimal `json:"amount"`
	AdjustmentTypeName string          `json:"adjustment_type" validate:"required"`
	AppliedAt          time.Time       `json:"applied_at" validate:"required"`
	Description        string          `json:"description,omitempty"`
	TransactionID      string          `json:"transaction_id" validate:"required"`
	IdempotencyKey     string          `json:"idempotency_key" validate:"required"`
}

// Created is the identifier of a record the PMS accepted.
type Created struct {
	ID FlexibleID `json:"id"`
}

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	errNonPositiveAmount = errors.New("amount must be positive")
)

func (r CreateAppointmentRequest) Validate() error {
	return validationError("appointment", validate.Struct(r))
}

func (r CreatePaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("pms: invalid payment: %w", errNonPositiveAmount)
	}
	return validationError("payment", validate.Struct(r))
}

func (r CreateAdjustmentRequest) Validate() error {
	if r.Amount.IsZero() {
		return fmt.Errorf("pms: invalid adjustment: amount must be non-zero")
	}
	return validationError("adjustment", validate.Struct(r))
}

func validationError(kind string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("pms: invalid %s: field %s failed %q", kind, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("pms: invalid %s: %w", kind, err)
}
