package safety

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Dataset is the file form of the reference data.
type Dataset struct {
	Version           string                 `yaml:"version"`
	Interactions      []Interaction          `yaml:"interactions"`
	CrossReactivities []CrossReactivity      `yaml:"cross_reactivities"`
	Contraindications []ContraindicationRule `yaml:"contraindications"`
	DoseRanges        []DoseRange            `yaml:"dose_ranges"`
}

// LoadDataset reads and validates a YAML reference dataset.
func LoadDataset(path string) (*Dataset, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference dataset: %w", err)
	}
	return ParseDataset(data)
}

// ParseDataset decodes and validates YAML reference data. All names are
// normalized so lookups can compare directly.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("decode reference dataset: %w", err)
	}
	if err := ds.normalize(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (ds *Dataset) normalize() error {
	for i := range ds.Interactions {
		it := &ds.Interactions[i]
		sev, err := ParseSeverity(string(it.Severity))
		if err != nil {
			return fmt.Errorf("interactions[%d]: %w", i, err)
		}
		it.Severity = sev
		it.DrugA, it.DrugB = NormalizeName(it.DrugA), NormalizeName(it.DrugB)
		if it.DrugA == "" || it.DrugB == "" {
			return fmt.Errorf("interactions[%d]: both drug names are required", i)
		}
	}
	for i := range ds.CrossReactivities {
		cr := &ds.CrossReactivities[i]
		if cr.Severity != "" {
			sev, err := ParseAllergySeverity(string(cr.Severity))
			if err != nil {
				return fmt.Errorf("cross_reactivities[%d]: %w", i, err)
			}
			cr.Severity = sev
		}
		cr.Allergen, cr.Medication = NormalizeName(cr.Allergen), NormalizeName(cr.Medication)
		if cr.Allergen == "" || cr.Medication == "" {
			return fmt.Errorf("cross_reactivities[%d]: allergen and medication are required", i)
		}
	}
	for i := range ds.Contraindications {
		c := &ds.Contraindications[i]
		kind, err := ParseContraindicationKind(string(c.Kind))
		if err != nil {
			return fmt.Errorf("contraindications[%d]: %w", i, err)
		}
		c.Kind = kind
		c.Medication = NormalizeName(c.Medication)
		if c.Medication == "" || (c.ConditionCode == "" && c.ConditionName == "") {
			return fmt.Errorf("contraindications[%d]: medication and a condition code or name are required", i)
		}
	}
	for i := range ds.DoseRanges {
		d := &ds.DoseRanges[i]
		d.Medication = NormalizeName(d.Medication)
		d.Route = NormalizeName(d.Route)
		if d.Medication == "" || d.MaxDailyMg <= 0 {
			return fmt.Errorf("dose_ranges[%d]: medication and max_daily_mg are required", i)
		}
		if d.ToxicDailyMg != 0 && d.ToxicDailyMg < d.MaxDailyMg {
			return fmt.Errorf("dose_ranges[%d]: toxic_daily_mg must not be below max_daily_mg", i)
		}
	}
	return nil
}

// MemoryStore serves reference data from an in-process Dataset.
type MemoryStore struct {
	interactions      map[string][]Interaction
	crossReactivities map[string][]CrossReactivity
	contraindications map[string][]ContraindicationRule
	doseRanges        map[string][]DoseRange
}

// NewMemoryStore indexes a validated dataset.
func NewMemoryStore(ds *Dataset) *MemoryStore {
	s := &MemoryStore{
		interactions:      make(map[string][]Interaction),
		crossReactivities: make(map[string][]CrossReactivity),
		contraindications: make(map[string][]ContraindicationRule),
		doseRanges:        make(map[string][]DoseRange),
	}
	for _, it := range ds.Interactions {
		k := it.PairKey()
		s.interactions[k] = append(s.interactions[k], it)
	}
	for _, cr := range ds.CrossReactivities {
		s.crossReactivities[cr.Allergen] = append(s.crossReactivities[cr.Allergen], cr)
	}
	for _, c := range ds.Contraindications {
		s.contraindications[c.Medication] = append(s.contraindications[c.Medication], c)
	}
	for _, d := range ds.DoseRanges {
		s.doseRanges[d.Medication] = append(s.doseRanges[d.Medication], d)
	}
	return s
}

func (s *MemoryStore) LookupInteractions(_ context.Context, pairs []DrugPair) ([]Interaction, error) {
	out := []Interaction{}
	for _, p := range pairs {
		out = append(out, s.interactions[p.Key()]...)
	}
	return out, nil
}

func (s *MemoryStore) CrossReactivities(_ context.Context, allergens []string) ([]CrossReactivity, error) {
	out := []CrossReactivity{}
	for _, a := range allergens {
		out = append(out, s.crossReactivities[a]...)
	}
	return out, nil
}

func (s *MemoryStore) ContraindicationRules(_ context.Context, medications []string) ([]ContraindicationRule, error) {
	out := []ContraindicationRule{}
	for _, m := range medications {
		out = append(out, s.contraindications[m]...)
	}
	return out, nil
}

func (s *MemoryStore) DoseRanges(_ context.Context, medications []string) ([]DoseRange, error) {
	out := []DoseRange{}
	for _, m := range medications {
		out = append(out, s.doseRanges[m]...)
	}
	return out, nil
}
