package safety

import "sort"

// scoreScale converts summed finding weights into score points. A single
// major interaction (weight 4) scores 60, which is already high risk.
const scoreScale = 15

// Aggregate reduces the four checker outputs to one verdict. It is a pure
// function: the same findings always produce the same verdict, whatever
// order they arrive in.
func Aggregate(interactions InteractionResult, allergies AllergyResult, contraindications ContraindicationResult, doses DoseResult) RiskVerdict {
	findings := make([]Finding, 0,
		len(interactions.Interactions)+len(allergies.Alerts)+len(contraindications.Contraindications)+len(doses.Validations))
	blocks := false

	for _, it := range interactions.Interactions {
		if w := it.Severity.Weight(); w > 0 {
			findings = append(findings, Finding{Kind: FindingInteraction, Weight: w, Interaction: &it})
		}
	}
	for _, a := range allergies.Alerts {
		sev := a.AllergySeverity
		if !sev.Valid() {
			sev = AllergySevere
		}
		findings = append(findings, Finding{Kind: FindingAllergy, Weight: sev.Weight(), Allergy: &a})
	}
	for _, c := range contraindications.Contraindications {
		if c.Kind == Absolute {
			blocks = true
		}
		findings = append(findings, Finding{Kind: FindingContraindication, Weight: c.Kind.Weight(), Contraindication: &c})
	}
	for _, d := range doses.Validations {
		if d.Status == DoseToxic {
			blocks = true
		}
		if w := d.Status.Weight(); w > 0 {
			findings = append(findings, Finding{Kind: FindingDose, Weight: w, Dose: &d})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Kind != b.Kind {
			return findingKindOrder[a.Kind] < findingKindOrder[b.Kind]
		}
		return a.identity() < b.identity()
	})

	sum := 0
	for _, f := range findings {
		sum += f.Weight
		if sum >= 100 {
			break
		}
	}
	score := sum * scoreScale
	if score > 100 {
		score = 100
	}
	level := LevelForScore(score)

	return RiskVerdict{
		Score:                score,
		Level:                level,
		BlocksAdministration: blocks,
		RequiresOverride:     level == RiskHigh && !blocks,
		Findings:             findings,
	}
}
