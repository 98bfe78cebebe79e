package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/safety"
)

// Type is the clinical category of an alert.
type Type string

const (
	TypeDrugInteraction    Type = "drug-interaction"
	TypeAllergy            Type = "allergy"
	TypeContraindication   Type = "contraindication"
	TypeDoseError          Type = "dose-error"
	TypeGuidelineDeviation Type = "guideline-deviation"
)

func (t Type) Valid() bool {
	_, ok := titlePrefix[t]
	return ok
}

// Status is the lifecycle position of an alert. Transitions only move
// forward; see CanTransition.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusDismissed    Status = "dismissed"
	StatusExpired      Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusDismissed, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusActive:       {StatusAcknowledged, StatusDismissed, StatusExpired},
	StatusAcknowledged: {StatusDismissed},
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor lists the statuses from which to can be reached.
func sourcesFor(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusActive, StatusAcknowledged, StatusDismissed, StatusExpired} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Source records whether an alert was raised by the gate or by a clinician.
type Source string

const (
	SourceAutomated Source = "automated"
	SourceManual    Source = "manual"
)

// ExpiryPolicy is how long an alert of each type stays active. A zero
// duration means the alert stays active until acknowledged or dismissed.
var ExpiryPolicy = map[Type]time.Duration{
	TypeDrugInteraction:    24 * time.Hour,
	TypeAllergy:            0,
	TypeContraindication:   72 * time.Hour,
	TypeDoseError:          12 * time.Hour,
	TypeGuidelineDeviation: 7 * 24 * time.Hour,
}

// ExpiresAt applies ExpiryPolicy to an alert created at created.
func ExpiresAt(t Type, created time.Time) *time.Time {
	d := ExpiryPolicy[t]
	if d <= 0 {
		return nil
	}
	at := created.Add(d)
	return &at
}

var titlePrefix = map[Type]string{
	TypeDrugInteraction:    "Drug interaction",
	TypeAllergy:            "Allergy alert",
	TypeContraindication:   "Contraindication",
	TypeDoseError:          "Dose error",
	TypeGuidelineDeviation: "Guideline deviation",
}

// Title renders the fixed per-type title for a clinical context.
func Title(t Type, cc ClinicalContext) string {
	prefix, ok := titlePrefix[t]
	if !ok {
		prefix = "Clinical alert"
	}
	if s := cc.subject(t); s != "" {
		return prefix + ": " + s
	}
	return prefix
}

// PriorityFor maps severity to a sort priority; 1 is most urgent.
func PriorityFor(s safety.AlertSeverity) int {
	switch s {
	case safety.AlertCritical:
		return 1
	case safety.AlertWarning:
		return 2
	}
	return 3
}

// ClinicalContext is the structured background an alert was raised from.
// It names drugs and conditions, never patient identifiers.
type ClinicalContext struct {
	Medications       []string `json:"medications,omitempty"`
	Allergen          string   `json:"allergen,omitempty"`
	Condition         string   `json:"condition,omitempty"`
	Findings          []string `json:"findings,omitempty"`
	GateState         string   `json:"gateState,omitempty"`
	UnavailableChecks []string `json:"unavailableChecks,omitempty"`
}

func (cc ClinicalContext) subject(t Type) string {
	meds := strings.Join(cc.Medications, " + ")
	switch t {
	case TypeAllergy:
		if cc.Allergen != "" && meds != "" {
			return fmt.Sprintf("%s (%s)", meds, cc.Allergen)
		}
	case TypeContraindication:
		if cc.Condition != "" && meds != "" {
			return fmt.Sprintf("%s with %s", meds, cc.Condition)
		}
	}
	return meds
}

// Alert is a persisted clinical alert. Alerts are never deleted.
type Alert struct {
	ID              uuid.UUID            `json:"id"`
	PatientID       string               `json:"patientId"`
	FacilityID      *string              `json:"facilityId,omitempty"`
	OrganizationID  *string              `json:"organizationId,omitempty"`
	Type            Type                 `json:"alertType"`
	Severity        safety.AlertSeverity `json:"severity"`
	Priority        int                  `json:"priority"`
	Title           string               `json:"title"`
	Message         string               `json:"message"`
	ClinicalContext ClinicalContext      `json:"clinicalContext"`
	RiskScore       int                  `json:"riskScore"`
	RiskLevel       safety.RiskLevel     `json:"riskLevel"`
	Recommendations []string             `json:"recommendations"`
	Alternatives    []string             `json:"alternatives"`
	Status          Status               `json:"status"`
	Source          Source               `json:"source"`
	Confidence      float64              `json:"confidence"`
	ExpiresAt       *time.Time           `json:"expiresAt,omitempty"`
	AcknowledgedBy  *string              `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt  *time.Time           `json:"acknowledgedAt,omitempty"`
	AcknowledgeNote *string              `json:"acknowledgeNote,omitempty"`
	DismissedBy     *string              `json:"dismissedBy,omitempty"`
	DismissedAt     *time.Time           `json:"dismissedAt,omitempty"`
	DismissReason   *string              `json:"dismissReason,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// EffectiveStatus is the status as of now: an active alert past its
// expiry reads as expired even before the sweeper persists it.
func (a *Alert) EffectiveStatus(now time.Time) Status {
	if a.Status == StatusActive && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return StatusExpired
	}
	return a.Status
}

// CreateInput carries the caller-supplied fields of a new alert. Title,
// priority, status and expiry are derived.
type CreateInput struct {
	PatientID       string               `json:"patientId"`
	FacilityID      string               `json:"facilityId"`
	OrganizationID  string               `json:"organizationId"`
	Type            Type                 `json:"alertType"`
	Severity        safety.AlertSeverity `json:"severity"`
	Message         string               `json:"message"`
	ClinicalContext ClinicalContext      `json:"clinicalContext"`
	RiskScore       int                  `json:"riskScore"`
	RiskLevel       safety.RiskLevel     `json:"riskLevel"`
	Recommendations []string             `json:"recommendations"`
	Alternatives    []string             `json:"alternatives"`
	Source          Source               `json:"source"`
	Confidence      float64              `json:"confidence"`
}

const defaultConfidence = 0.9

func (in *CreateInput) validate() error {
	verr := &safety.ValidationError{}
	if strings.TrimSpace(in.PatientID) == "" {
		verr.Add("patientId", "is required")
	}
	if !in.Type.Valid() {
		verr.Add("alertType", "must be one of drug-interaction, allergy, contraindication, dose-error, guideline-deviation")
	}
	if !in.Severity.Valid() {
		verr.Add("severity", "must be one of info, warning, critical")
	}
	if strings.TrimSpace(in.Message) == "" {
		verr.Add("message", "is required")
	}
	if in.RiskScore < 0 || in.RiskScore > 100 {
		verr.Add("riskScore", "must be between 0 and 100")
	}
	if in.RiskLevel == "" {
		in.RiskLevel = safety.LevelForScore(in.RiskScore)
	} else if !in.RiskLevel.Valid() {
		verr.Add("riskLevel", "must be one of none, low, medium, high")
	}
	switch in.Source {
	case "":
		in.Source = SourceAutomated
	case SourceAutomated, SourceManual:
	default:
		verr.Add("source", "must be automated or manual")
	}
	if in.Confidence == 0 {
		in.Confidence = defaultConfidence
	} else if in.Confidence < 0 || in.Confidence > 1 {
		verr.Add("confidence", "must be between 0 and 1")
	}
	return verr.OrNil()
}

// Filters narrows List. Empty fields match everything.
type Filters struct {
	PatientID      string
	FacilityID     string
	OrganizationID string
	Status         Status
	Type           Type
	Severity       safety.AlertSeverity
	Limit          int
	Offset         int
}

// Summary is the dashboard rollup of alert counts.
type Summary struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"byType"`
	BySeverity map[string]int `json:"bySeverity"`
	ByStatus   map[string]int `json:"byStatus"`
}

func newSummary() *Summary {
	return &Summary{
		ByType:     map[string]int{},
		BySeverity: map[string]int{},
		ByStatus:   map[string]int{},
	}
}

func (s *Summary) add(t Type, sev safety.AlertSeverity, st Status, n int) {
	s.Total += n
	s.ByType[string(t)] += n
	s.BySeverity[string(sev)] += n
	s.ByStatus[string(st)] += n
}

// Change is the actor and free text recorded with a transition.
type Change struct {
	UserID string
	Text   string
	At     time.Time
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
