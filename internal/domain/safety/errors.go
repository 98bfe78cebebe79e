package safety

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured means the reference data source is missing or was
	// never set up. It is distinct from a lookup that found nothing.
	ErrNotConfigured = errors.New("reference data source not configured")

	// ErrSafetyCheckUnavailable is matched by every UnavailableError.
	ErrSafetyCheckUnavailable = errors.New("safety check unavailable")
)

// Check names, used in UnavailableError and in gate responses.
const (
	CheckInteractions      = "interactions"
	CheckAllergies         = "allergies"
	CheckContraindications = "contraindications"
	CheckDoses             = "doses"
)

// UnavailableError reports that a checker could not produce a trustworthy
// answer. Callers must treat it as degraded safety, never as "no risk".
type UnavailableError struct {
	Check string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s check unavailable: %v", e.Check, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrSafetyCheckUnavailable }

func unavailable(check string, err error) error {
	return &UnavailableError{Check: check, Err: err}
}

// FieldError is one offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError enumerates every malformed field of a request. Messages
// name fields and constraints only, never submitted values.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when it holds at least one field error, otherwise nil.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
