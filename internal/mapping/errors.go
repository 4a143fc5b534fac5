package mapping

import "fmt"

// MappingError means a record could not be translated. It is scoped to that one record.
type MappingError struct {
	Kind       string
	ExternalID string
	Field      string
	Reason     string
}

func (e *MappingError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<no id>"
	}
	if e.Field == "" {
		return fmt.Sprintf("mapping: %s %s: %s", e.Kind, id, e.Reason)
	}
	return fmt.Sprintf("mapping: %s %s: %s %s", e.Kind, id, e.Field, e.Reason)
}

func fieldError(kind, externalID, field, reason string) error {
	return &MappingError{Kind: kind, ExternalID: externalID, Field: field, Reason: reason}
}
