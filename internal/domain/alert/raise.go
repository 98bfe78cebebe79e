package alert

import (
	"context"
	"strings"

	"github.com/ehr/medsafety/internal/domain/safety"
)

var typeForFinding = map[safety.FindingKind]Type{
	safety.FindingContraindication: TypeContraindication,
	safety.FindingDose:             TypeDoseError,
	safety.FindingAllergy:          TypeAllergy,
	safety.FindingInteraction:      TypeDrugInteraction,
}

var confidenceForEvidence = map[string]float64{
	"A": 0.95,
	"B": 0.8,
	"C": 0.6,
}

// criticalWeight is the finding weight at or above which an alert is
// critical: critical interactions, life-threatening allergies, absolute
// contraindications and toxic doses.
const criticalWeight = 8

// RaiseForVerdict creates the alert for a gate decision and returns its ID.
func (m *Manager) RaiseForVerdict(ctx context.Context, in safety.VerdictAlert) (string, error) {
	a, err := m.Create(ctx, inputForVerdict(in))
	if err != nil {
		return "", err
	}
	return a.ID.String(), nil
}

func inputForVerdict(in safety.VerdictAlert) CreateInput {
	v := in.Verdict
	out := CreateInput{
		PatientID:      in.PatientID,
		FacilityID:     in.FacilityID,
		OrganizationID: in.OrganizationID,
		Type:           TypeGuidelineDeviation,
		Severity:       severityForVerdict(in),
		RiskScore:      v.Score,
		RiskLevel:      v.Level,
		Source:         SourceAutomated,
		Confidence:     defaultConfidence,
		ClinicalContext: ClinicalContext{
			GateState:         string(in.State),
			UnavailableChecks: in.UnavailableChecks,
		},
	}

	meds := newStringSet()
	meds.add(in.Medication.Name)
	var summaries []string
	recs := newStringSet()
	alts := newStringSet()
	for _, f := range v.Findings {
		summaries = append(summaries, f.Summary())
		switch f.Kind {
		case safety.FindingInteraction:
			meds.add(f.Interaction.DrugA, f.Interaction.DrugB)
			recs.add(f.Interaction.Recommendation)
		case safety.FindingAllergy:
			meds.add(f.Allergy.Medication)
		case safety.FindingContraindication:
			meds.add(f.Contraindication.Medication)
			alts.add(f.Contraindication.Alternatives...)
		case safety.FindingDose:
			meds.add(f.Dose.Medication)
			recs.add(f.Dose.Message)
		}
	}
	out.ClinicalContext.Findings = summaries
	out.Recommendations = recs.items
	out.Alternatives = alts.items

	if len(v.Findings) > 0 {
		top := v.Findings[0]
		out.Type = typeForFinding[top.Kind]
		out.Confidence = confidenceFor(top)
		out.ClinicalContext.Medications = topMedications(top)
		switch top.Kind {
		case safety.FindingAllergy:
			out.ClinicalContext.Allergen = top.Allergy.Allergen
		case safety.FindingContraindication:
			out.ClinicalContext.Condition = top.Contraindication.ConditionName
		}
	} else {
		out.ClinicalContext.Medications = meds.items
	}

	var msg []string
	if in.State == safety.StateBlocked {
		msg = append(msg, "Prescription of "+in.Medication.Name+" was blocked")
	}
	msg = append(msg, summaries...)
	if in.Degraded {
		msg = append(msg, "safety checks unavailable: "+strings.Join(in.UnavailableChecks, ", "))
	}
	out.Message = strings.Join(msg, "; ")
	if out.Message == "" {
		out.Message = string(v.Level) + " risk for " + in.Medication.Name
	}
	return out
}

func severityForVerdict(in safety.VerdictAlert) safety.AlertSeverity {
	if in.State == safety.StateBlocked {
		return safety.AlertCritical
	}
	for _, f := range in.Verdict.Findings {
		if f.Weight >= criticalWeight {
			return safety.AlertCritical
		}
	}
	if in.Degraded || in.Verdict.Level.Rank() >= safety.RiskMedium.Rank() {
		return safety.AlertWarning
	}
	return safety.AlertInfo
}

func confidenceFor(f safety.Finding) float64 {
	var level string
	switch f.Kind {
	case safety.FindingInteraction:
		level = f.Interaction.EvidenceLevel
	case safety.FindingContraindication:
		level = f.Contraindication.EvidenceLevel
	}
	if c, ok := confidenceForEvidence[strings.ToUpper(strings.TrimSpace(level))]; ok {
		return c
	}
	return defaultConfidence
}

func topMedications(f safety.Finding) []string {
	switch f.Kind {
	case safety.FindingInteraction:
		return []string{f.Interaction.DrugA, f.Interaction.DrugB}
	case safety.FindingAllergy:
		return []string{f.Allergy.Medication}
	case safety.FindingContraindication:
		return []string{f.Contraindication.Medication}
	case safety.FindingDose:
		return []string{f.Dose.Medication}
	}
	return nil
}

// stringSet keeps first-seen order and drops blanks and case-insensitive
// duplicates.
type stringSet struct {
	seen  map[string]bool
	items []string
}

func newStringSet() *stringSet { return &stringSet{seen: map[string]bool{}, items: []string{}} }

func (s *stringSet) add(vals ...string) {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		k := strings.ToLower(v)
		if v == "" || s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.items = append(s.items, v)
	}
}
