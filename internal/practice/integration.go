package practice

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Environment selects which PMS deployment an integration talks to.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Integration is one practice's PMS configuration. The sync engine only reads it.
type Integration struct {
	ID          uuid.UUID   `validate:"required"`
	OrgID       string      `validate:"required"`
	APIKey      string      `validate:"required"`
	Subdomain   string      `validate:"required"`
	LocationID  string      `validate:"required"`
	Environment Environment `validate:"required,oneof=sandbox production"`
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports the first missing or malformed field.
func (i Integration) Validate() error {
	if err := validate.Struct(i); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("practice: integration %s: field %s failed %q", i.ID, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("practice: integration %s: %w", i.ID, err)
	}
	return nil
}

// Key returns a stable identifier for logs and lock keys.
func (i Integration) Key() string {
	return i.ID.String()
}
