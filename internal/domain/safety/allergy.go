package safety

import (
	"context"
	"sort"
)

// AllergyChecker matches medications against recorded patient allergies,
// directly by name and through reference cross-reactivity.
type AllergyChecker struct {
	store ReferenceStore
}

func NewAllergyChecker(store ReferenceStore) *AllergyChecker {
	return &AllergyChecker{store: store}
}

// Check returns one alert per (medication, allergen) match. A direct name
// match carries the patient's recorded severity; a cross-reactive match
// carries the reference severity when one is recorded.
func (c *AllergyChecker) Check(ctx context.Context, meds []Medication, allergies []Allergy) (AllergyResult, error) {
	result := AllergyResult{Alerts: []AllergyAlert{}}
	if len(meds) == 0 || len(allergies) == 0 {
		return result, nil
	}

	allergens := make([]string, 0, len(allergies))
	seen := make(map[string]bool, len(allergies))
	for _, a := range allergies {
		n := NormalizeName(a.Allergen)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		allergens = append(allergens, n)
	}
	if len(allergens) == 0 {
		return result, nil
	}
	sort.Strings(allergens)

	rows, err := c.store.CrossReactivities(ctx, allergens)
	if err != nil {
		return result, unavailable(CheckAllergies, err)
	}
	cross := make(map[string][]CrossReactivity, len(rows))
	for _, r := range rows {
		cross[r.Allergen] = append(cross[r.Allergen], r)
	}

	emitted := make(map[string]bool)
	for _, m := range meds {
		med := m.NormalizedName()
		if med == "" {
			continue
		}
		for _, a := range allergies {
			allergen := NormalizeName(a.Allergen)
			if allergen == "" || emitted[med+"|"+allergen] {
				continue
			}
			if alert, ok := matchAllergy(m.Name, med, a, allergen, cross[allergen]); ok {
				emitted[med+"|"+allergen] = true
				result.Alerts = append(result.Alerts, alert)
			}
		}
	}

	sort.SliceStable(result.Alerts, func(i, j int) bool {
		a, b := result.Alerts[i], result.Alerts[j]
		if a.AllergySeverity.Rank() != b.AllergySeverity.Rank() {
			return a.AllergySeverity.Rank() > b.AllergySeverity.Rank()
		}
		if na, nb := NormalizeName(a.Medication), NormalizeName(b.Medication); na != nb {
			return na < nb
		}
		return NormalizeName(a.Allergen) < NormalizeName(b.Allergen)
	})
	return result, nil
}

func matchAllergy(displayName, med string, a Allergy, allergen string, rows []CrossReactivity) (AllergyAlert, bool) {
	if containsWord(med, allergen) {
		sev := a.EffectiveSeverity()
		return AllergyAlert{
			Medication:      displayName,
			Allergen:        a.Allergen,
			AllergySeverity: sev,
			Severity:        sev.AlertSeverity(),
		}, true
	}

	var best *CrossReactivity
	var bestSev AllergySeverity
	for i := range rows {
		if !containsWord(med, rows[i].Medication) {
			continue
		}
		sev := rows[i].Severity
		if !sev.Valid() {
			sev = a.EffectiveSeverity()
		}
		if best == nil || sev.Rank() > bestSev.Rank() {
			best, bestSev = &rows[i], sev
		}
	}
	if best == nil {
		return AllergyAlert{}, false
	}
	return AllergyAlert{
		Medication:      displayName,
		Allergen:        a.Allergen,
		AllergySeverity: bestSev,
		Severity:        bestSev.AlertSeverity(),
		CrossReactive:   true,
		Reaction:        best.Reaction,
	}, true
}
