package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Repository persists alerts. Transition must be a conditional update so
// that concurrent writers cannot move an alert backwards.
type Repository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	// List filters on the effective status as of now, ordered by priority
	// then newest first.
	List(ctx context.Context, f Filters, now time.Time) ([]*Alert, int, error)
	// Transition moves the alert to `to` only if its stored status is one
	// of from and it has not effectively expired. It returns ErrNotFound or
	// ErrInvalidTransition when no row changed.
	Transition(ctx context.Context, id uuid.UUID, to Status, from []Status, ch Change) (*Alert, error)
	// ExpireDue persists expiry for up to limit active alerts past their
	// expiresAt and returns them.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error)
	Summary(ctx context.Context, organizationID, facilityID string, now time.Time) (*Summary, error)
}
