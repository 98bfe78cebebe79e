package safety

import "context"

// ReferenceStore is the read-only source of clinical reference data.
//
// Every method distinguishes two outcomes: a nil error with an empty slice
// means the query ran and nothing matched; a non-nil error (ErrNotConfigured
// or any transport failure) means the answer is unknown.
type ReferenceStore interface {
	// LookupInteractions returns the interactions for any of the given
	// pairs, matching either name order.
	LookupInteractions(ctx context.Context, pairs []DrugPair) ([]Interaction, error)
	// CrossReactivities returns cross-reactivity rows for the given
	// normalized allergens.
	CrossReactivities(ctx context.Context, allergens []string) ([]CrossReactivity, error)
	// ContraindicationRules returns the rules for the given normalized
	// medication names.
	ContraindicationRules(ctx context.Context, medications []string) ([]ContraindicationRule, error)
	// DoseRanges returns the dose ranges for the given normalized
	// medication names.
	DoseRanges(ctx context.Context, medications []string) ([]DoseRange, error)
}

// CrossReactivity states that a patient allergic to Allergen is at risk
// from Medication.
type CrossReactivity struct {
	Allergen   string          `yaml:"allergen"`
	Medication string          `yaml:"medication"`
	Severity   AllergySeverity `yaml:"severity"`
	Reaction   string          `yaml:"reaction"`
}

// ContraindicationRule ties a medication to a condition, identified by an
// ICD-10 code prefix, a condition name, or both.
type ContraindicationRule struct {
	Medication    string               `yaml:"medication"`
	ConditionCode string               `yaml:"condition_code"`
	ConditionName string               `yaml:"condition_name"`
	Kind          ContraindicationKind `yaml:"kind"`
	Description   string               `yaml:"description"`
	EvidenceLevel string               `yaml:"evidence_level"`
	Alternatives  []string             `yaml:"alternatives"`
}

// DoseRange is the reference daily dosing envelope of a medication,
// optionally per route. Zero factor fields mean "no adjustment".
type DoseRange struct {
	Medication        string  `yaml:"medication"`
	Route             string  `yaml:"route"`
	MinDailyMg        float64 `yaml:"min_daily_mg"`
	MaxDailyMg        float64 `yaml:"max_daily_mg"`
	ToxicDailyMg      float64 `yaml:"toxic_daily_mg"`
	PediatricMgPerKg  float64 `yaml:"pediatric_mg_per_kg"`
	RenalGFRThreshold float64 `yaml:"renal_gfr_threshold"`
	RenalFactor       float64 `yaml:"renal_factor"`
	HepaticMild       float64 `yaml:"hepatic_mild_factor"`
	HepaticModerate   float64 `yaml:"hepatic_moderate_factor"`
	HepaticSevere     float64 `yaml:"hepatic_severe_factor"`
	GeriatricFactor   float64 `yaml:"geriatric_factor"`
}

// unconfiguredStore is the ReferenceStore used when no data source was
// configured at all.
type unconfiguredStore struct{}

// UnconfiguredStore returns a ReferenceStore whose every lookup fails with
// ErrNotConfigured.
func UnconfiguredStore() ReferenceStore { return unconfiguredStore{} }

func (unconfiguredStore) LookupInteractions(context.Context, []DrugPair) ([]Interaction, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredStore) CrossReactivities(context.Context, []string) ([]CrossReactivity, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredStore) ContraindicationRules(context.Context, []string) ([]ContraindicationRule, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredStore) DoseRanges(context.Context, []string) ([]DoseRange, error) {
	return nil, ErrNotConfigured
}
