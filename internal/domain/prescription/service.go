package prescription

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/safety"
)

// activeLimit caps how many active prescriptions feed a safety check.
const activeLimit = 200

// Service records gate-approved prescriptions and serves them back as the
// patient's active medication list.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record implements safety.PrescriptionRecorder.
func (s *Service) Record(ctx context.Context, rx safety.ApprovedPrescription) (string, error) {
	if !rx.State.Approved() {
		return "", fmt.Errorf("record prescription: gate state %s is not approved", rx.State)
	}
	p := fromApproved(rx)
	if err := s.repo.Create(ctx, p); err != nil {
		return "", fmt.Errorf("record prescription: %w", err)
	}
	return p.ID.String(), nil
}

// ActiveMedications implements safety.PrescriptionRecorder.
func (s *Service) ActiveMedications(ctx context.Context, patientID string) ([]safety.Medication, error) {
	items, _, err := s.repo.ListByPatient(ctx, patientID, StatusActive, activeLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("load active medications: %w", err)
	}
	meds := make([]safety.Medication, 0, len(items))
	for _, p := range items {
		meds = append(meds, p.Medication)
	}
	return meds, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListByPatient(ctx, patientID, status, limit, offset)
}

// Discontinue stops an active prescription so it no longer takes part in
// interaction checks.
func (s *Service) Discontinue(ctx context.Context, id uuid.UUID, userID string) (*Prescription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &safety.ValidationError{Fields: []safety.FieldError{{Field: "userId", Message: "is required"}}}
	}
	return s.repo.Discontinue(ctx, id, userID)
}
