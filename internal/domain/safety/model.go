package safety

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Medication is one drug order as entered by the prescriber.
type Medication struct {
	Name      string  `json:"name"`
	Dose      float64 `json:"dose,omitempty"`
	DoseUnit  string  `json:"doseUnit,omitempty"`
	Frequency string  `json:"frequency,omitempty"`
	Route     string  `json:"route,omitempty"`
	Code      string  `json:"code,omitempty"`
}

// NormalizedName returns the canonical form of the medication name.
func (m Medication) NormalizedName() string { return NormalizeName(m.Name) }

// Key is the identity of the medication: its code when present,
// otherwise its normalized name.
func (m Medication) Key() string {
	if c := strings.TrimSpace(m.Code); c != "" {
		return "code:" + strings.ToLower(c)
	}
	return m.NormalizedName()
}

// Condition is a coded patient problem.
type Condition struct {
	Code string `json:"code,omitempty"`
	Name string `json:"name"`
}

// Allergy is a recorded patient allergy. In JSON it may be given either as
// a bare allergen string or as an object.
type Allergy struct {
	Allergen string          `json:"allergen"`
	Severity AllergySeverity `json:"severity,omitempty"`
}

func (a *Allergy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Allergen = s
		a.Severity = ""
		return nil
	}
	type plain Allergy
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Allergy(p)
	return nil
}

// EffectiveSeverity returns the recorded severity, treating an empty or
// unknown value as severe.
func (a Allergy) EffectiveSeverity() AllergySeverity {
	if a.Severity.Valid() {
		return a.Severity
	}
	return AllergySevere
}

// PatientContext is the immutable patient snapshot a single evaluation is
// run against. Optional measurements are nil when unknown.
type PatientContext struct {
	Allergies       []Allergy       `json:"allergies,omitempty"`
	Conditions      []Condition     `json:"conditions,omitempty"`
	AgeYears        *float64        `json:"age,omitempty"`
	WeightKg        *float64        `json:"weight,omitempty"`
	RenalFunction   *float64        `json:"renalFunction,omitempty"`
	HepaticFunction HepaticFunction `json:"hepaticFunction,omitempty"`
}

// Interaction is a known drug-drug interaction. (A,B) and (B,A) denote the
// same fact.
type Interaction struct {
	DrugA          string   `json:"drugA" yaml:"drug_a"`
	DrugB          string   `json:"drugB" yaml:"drug_b"`
	Severity       Severity `json:"severity" yaml:"severity"`
	Description    string   `json:"description,omitempty" yaml:"description"`
	Mechanism      string   `json:"mechanism,omitempty" yaml:"mechanism"`
	Recommendation string   `json:"recommendation,omitempty" yaml:"recommendation"`
	EvidenceLevel  string   `json:"evidenceLevel,omitempty" yaml:"evidence_level"`
}

// PairKey returns the order-independent key of the interacting pair.
func (i Interaction) PairKey() string {
	return NewDrugPair(i.DrugA, i.DrugB).Key()
}

// DrugPair is an unordered pair of normalized drug names; A <= B.
type DrugPair struct {
	A string
	B string
}

// NewDrugPair normalizes and orders the two names.
func NewDrugPair(a, b string) DrugPair {
	a, b = NormalizeName(a), NormalizeName(b)
	if b < a {
		a, b = b, a
	}
	return DrugPair{A: a, B: b}
}

func (p DrugPair) Key() string { return p.A + "|" + p.B }

// InteractionResult is the output of the interaction checker.
type InteractionResult struct {
	HasInteractions bool          `json:"hasInteractions"`
	Interactions    []Interaction `json:"interactions"`
	HighestSeverity Severity      `json:"highestSeverity"`
	RequiresAction  bool          `json:"requiresAction"`
}

func emptyInteractionResult() InteractionResult {
	return InteractionResult{Interactions: []Interaction{}, HighestSeverity: SeverityNone}
}

func (r InteractionResult) clone() InteractionResult {
	out := r
	out.Interactions = append([]Interaction{}, r.Interactions...)
	return out
}

// AllergyAlert is one medication matching a patient allergy.
type AllergyAlert struct {
	Medication      string          `json:"medication"`
	Allergen        string          `json:"allergen"`
	AllergySeverity AllergySeverity `json:"allergySeverity"`
	Severity        AlertSeverity   `json:"severity"`
	CrossReactive   bool            `json:"crossReactive"`
	Reaction        string          `json:"reaction,omitempty"`
}

// AllergyResult is the output of the allergy checker.
type AllergyResult struct {
	Alerts []AllergyAlert `json:"alerts"`
}

// Contraindication is one medication contraindicated by a patient condition.
type Contraindication struct {
	Medication    string               `json:"medication"`
	ConditionCode string               `json:"conditionCode,omitempty"`
	ConditionName string               `json:"conditionName"`
	Kind          ContraindicationKind `json:"kind"`
	Description   string               `json:"description,omitempty"`
	EvidenceLevel string               `json:"evidenceLevel,omitempty"`
	Alternatives  []string             `json:"alternatives,omitempty"`
}

// ContraindicationResult is the output of the contraindication checker.
type ContraindicationResult struct {
	Contraindications []Contraindication `json:"contraindications"`
}

// HasAbsolute reports whether any contraindication is absolute.
func (r ContraindicationResult) HasAbsolute() bool {
	for _, c := range r.Contraindications {
		if c.Kind == Absolute {
			return true
		}
	}
	return false
}

// DoseValidation is the dose check outcome for one medication.
type DoseValidation struct {
	Medication     string     `json:"medication"`
	Status         DoseStatus `json:"status"`
	DailyDoseMg    float64    `json:"dailyDoseMg"`
	MinDailyMg     float64    `json:"minDailyMg,omitempty"`
	MaxDailyMg     float64    `json:"maxDailyMg,omitempty"`
	ToxicDailyMg   float64    `json:"toxicDailyMg,omitempty"`
	RangeAvailable bool       `json:"rangeAvailable"`
	Adjustments    []string   `json:"adjustments,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// DoseResult is the output of the dose validator.
type DoseResult struct {
	Validations []DoseValidation `json:"validations"`
}

// HasToxic reports whether any validation is toxic.
func (r DoseResult) HasToxic() bool {
	for _, v := range r.Validations {
		if v.Status == DoseToxic {
			return true
		}
	}
	return false
}

// FindingKind discriminates the Finding union.
type FindingKind string

const (
	FindingInteraction      FindingKind = "interaction"
	FindingAllergy          FindingKind = "allergy"
	FindingContraindication FindingKind = "contraindication"
	FindingDose             FindingKind = "dose"
)

var findingKindOrder = map[FindingKind]int{
	FindingContraindication: 0,
	FindingDose:             1,
	FindingAllergy:          2,
	FindingInteraction:      3,
}

// Finding is one weighted contributor to a RiskVerdict. Exactly one of the
// payload pointers is set, matching Kind.
type Finding struct {
	Kind             FindingKind       `json:"kind"`
	Weight           int               `json:"weight"`
	Interaction      *Interaction      `json:"interaction,omitempty"`
	Allergy          *AllergyAlert     `json:"allergy,omitempty"`
	Contraindication *Contraindication `json:"contraindication,omitempty"`
	Dose             *DoseValidation   `json:"dose,omitempty"`
}

// identity is a stable string used to order findings of equal weight.
func (f Finding) identity() string {
	switch f.Kind {
	case FindingInteraction:
		return f.Interaction.PairKey()
	case FindingAllergy:
		return NormalizeName(f.Allergy.Medication) + "|" + NormalizeName(f.Allergy.Allergen)
	case FindingContraindication:
		return NormalizeName(f.Contraindication.Medication) + "|" + f.Contraindication.ConditionCode + "|" + NormalizeName(f.Contraindication.ConditionName)
	case FindingDose:
		return NormalizeName(f.Dose.Medication)
	}
	return ""
}

// Summary is a one-line description of the finding naming drugs and
// conditions only.
func (f Finding) Summary() string {
	switch f.Kind {
	case FindingInteraction:
		return fmt.Sprintf("%s interaction: %s + %s", f.Interaction.Severity, f.Interaction.DrugA, f.Interaction.DrugB)
	case FindingAllergy:
		if f.Allergy.CrossReactive {
			return fmt.Sprintf("%s cross-reactive allergy: %s (%s)", f.Allergy.AllergySeverity, f.Allergy.Medication, f.Allergy.Allergen)
		}
		return fmt.Sprintf("%s allergy: %s (%s)", f.Allergy.AllergySeverity, f.Allergy.Medication, f.Allergy.Allergen)
	case FindingContraindication:
		return fmt.Sprintf("%s contraindication: %s with %s", f.Contraindication.Kind, f.Contraindication.Medication, f.Contraindication.ConditionName)
	case FindingDose:
		return fmt.Sprintf("dose %s: %s", f.Dose.Status, f.Dose.Medication)
	}
	return string(f.Kind)
}

// RiskVerdict is the single actionable reduction of all findings.
type RiskVerdict struct {
	Score                int       `json:"score"`
	Level                RiskLevel `json:"level"`
	BlocksAdministration bool      `json:"blocksAdministration"`
	RequiresOverride     bool      `json:"requiresOverride"`
	Findings             []Finding `json:"findings"`
}
