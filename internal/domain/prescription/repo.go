package prescription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("prescription not found")
	ErrAlreadyDiscontinued = errors.New("prescription already discontinued")
)

type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Prescription, int, error)
	Discontinue(ctx context.Context, id uuid.UUID, userID string) (*Prescription, error)
}
