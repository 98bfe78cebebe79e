package safety

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

const testDataset = `
version: test-1
interactions:
  - drug_a: Warfarin
    drug_b: Aspirin
    severity: major
    description: Increased bleeding risk
    mechanism: Additive antiplatelet and anticoagulant effect
    recommendation: Avoid combination or monitor INR closely
    evidence_level: A
  - drug_a: simvastatin
    drug_b: clarithromycin
    severity: critical
    description: Rhabdomyolysis risk
    evidence_level: A
  - drug_a: lisinopril
    drug_b: ibuprofen
    severity: moderate
    description: Reduced antihypertensive effect
    evidence_level: B
  - drug_a: aspirin
    drug_b: ibuprofen
    severity: minor
    description: Ibuprofen may blunt the antiplatelet effect of aspirin
    evidence_level: C
cross_reactivities:
  - allergen: penicillin
    medication: amoxicillin
    severity: severe
    reaction: Anaphylaxis risk
  - allergen: penicillin
    medication: cephalexin
    severity: mild
    reaction: Rash
  - allergen: sulfa
    medication: sulfamethoxazole
contraindications:
  - medication: ibuprofen
    condition_code: K25
    condition_name: gastric ulcer
    kind: absolute
    description: NSAIDs worsen peptic ulcer disease
    evidence_level: A
    alternatives: [acetaminophen]
  - medication: metformin
    condition_code: N18.5
    condition_name: chronic kidney disease stage 5
    kind: absolute
    evidence_level: A
  - medication: propranolol
    condition_code: J45
    condition_name: asthma
    kind: relative
    evidence_level: B
dose_ranges:
  - medication: acetaminophen
    max_daily_mg: 4000
    toxic_daily_mg: 7500
    pediatric_mg_per_kg: 75
    hepatic_moderate_factor: 0.5
    hepatic_severe_factor: 0.5
    geriatric_factor: 0.75
  - medication: metformin
    min_daily_mg: 500
    max_daily_mg: 2550
    toxic_daily_mg: 5000
    renal_gfr_threshold: 45
    renal_factor: 0.5
  - medication: morphine
    route: iv
    max_daily_mg: 60
    toxic_daily_mg: 200
  - medication: morphine
    route: oral
    max_daily_mg: 180
    toxic_daily_mg: 600
`

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	ds, err := ParseDataset([]byte(testDataset))
	if err != nil {
		t.Fatalf("parse test dataset: %v", err)
	}
	return NewMemoryStore(ds)
}

// countingStore records how often each lookup ran.
type countingStore struct {
	ReferenceStore
	interactionCalls atomic.Int32
	lastPairs        []DrugPair
	mu               sync.Mutex
}

func (s *countingStore) LookupInteractions(ctx context.Context, pairs []DrugPair) ([]Interaction, error) {
	s.interactionCalls.Add(1)
	s.mu.Lock()
	s.lastPairs = append([]DrugPair(nil), pairs...)
	s.mu.Unlock()
	return s.ReferenceStore.LookupInteractions(ctx, pairs)
}

var errStoreDown = errors.New("connection refused")

// failingStore fails every lookup with err.
type failingStore struct{ err error }

func (s failingStore) LookupInteractions(context.Context, []DrugPair) ([]Interaction, error) {
	return nil, s.err
}

func (s failingStore) CrossReactivities(context.Context, []string) ([]CrossReactivity, error) {
	return nil, s.err
}

func (s failingStore) ContraindicationRules(context.Context, []string) ([]ContraindicationRule, error) {
	return nil, s.err
}

func (s failingStore) DoseRanges(context.Context, []string) ([]DoseRange, error) {
	return nil, s.err
}

func meds(names ...string) []Medication {
	out := make([]Medication, len(names))
	for i, n := range names {
		out[i] = Medication{Name: n}
	}
	return out
}

func f64(v float64) *float64 { return &v }
