package prescription

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/safety"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusDiscontinued Status = "discontinued"
)

// Prescription is an approved prescribing decision. Active prescriptions
// feed back into later safety checks as the patient's current medications.
type Prescription struct {
	ID                    uuid.UUID         `json:"id"`
	PatientID             string            `json:"patientId"`
	PrescriberID          string            `json:"prescriberId"`
	Medication            safety.Medication `json:"medication"`
	Status                Status            `json:"status"`
	GateState             safety.GateState  `json:"gateState"`
	RiskScore             int               `json:"riskScore"`
	RiskLevel             safety.RiskLevel  `json:"riskLevel"`
	QualityReview         bool              `json:"qualityReview"`
	OverrideJustification *string           `json:"overrideJustification,omitempty"`
	Degraded              bool              `json:"degraded"`
	UnavailableChecks     []string          `json:"unavailableChecks"`
	DiscontinuedBy        *string           `json:"discontinuedBy,omitempty"`
	DiscontinuedAt        *time.Time        `json:"discontinuedAt,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

func fromApproved(rx safety.ApprovedPrescription) *Prescription {
	p := &Prescription{
		PatientID:         rx.PatientID,
		PrescriberID:      rx.PrescriberID,
		Medication:        rx.Medication,
		Status:            StatusActive,
		GateState:         rx.State,
		RiskScore:         rx.RiskScore,
		RiskLevel:         rx.RiskLevel,
		QualityReview:     rx.QualityReview,
		Degraded:          rx.Degraded,
		UnavailableChecks: rx.UnavailableChecks,
	}
	if rx.OverrideJustification != "" {
		j := rx.OverrideJustification
		p.OverrideJustification = &j
	}
	if p.UnavailableChecks == nil {
		p.UnavailableChecks = []string{}
	}
	return p
}
