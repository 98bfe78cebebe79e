package safety

import (
	"context"
	"sort"
	"strings"
)

// ContraindicationChecker matches medications against patient conditions.
type ContraindicationChecker struct {
	store ReferenceStore
}

func NewContraindicationChecker(store ReferenceStore) *ContraindicationChecker {
	return &ContraindicationChecker{store: store}
}

// lookupTerms expands normalized medication names into the reference keys
// worth querying: each full name plus each of its words, so "warfarin
// sodium" also finds rules recorded for "warfarin".
func lookupTerms(names []string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			terms = append(terms, s)
		}
	}
	for _, n := range names {
		add(n)
		for _, w := range strings.Fields(n) {
			add(w)
		}
	}
	sort.Strings(terms)
	return terms
}

// icdKey strips separators so "I10.9" and "i109" compare equal.
func icdKey(code string) string {
	return strings.ToUpper(strings.NewReplacer(".", "", " ", "").Replace(strings.TrimSpace(code)))
}

func conditionMatches(rule ContraindicationRule, cond Condition) bool {
	if rule.ConditionCode != "" && cond.Code != "" {
		if strings.HasPrefix(icdKey(cond.Code), icdKey(rule.ConditionCode)) {
			return true
		}
	}
	if rule.ConditionName != "" {
		ruleName := NormalizeName(rule.ConditionName)
		if containsWord(NormalizeName(cond.Name), ruleName) {
			return true
		}
	}
	return false
}

// Check returns every contraindication between meds and conditions, absolute
// ones first.
func (c *ContraindicationChecker) Check(ctx context.Context, meds []Medication, conditions []Condition) (ContraindicationResult, error) {
	result := ContraindicationResult{Contraindications: []Contraindication{}}
	if len(meds) == 0 || len(conditions) == 0 {
		return result, nil
	}
	names := distinctNames(meds)
	if len(names) == 0 {
		return result, nil
	}
	rules, err := c.store.ContraindicationRules(ctx, lookupTerms(names))
	if err != nil {
		return result, unavailable(CheckContraindications, err)
	}

	seen := make(map[string]bool)
	for _, m := range meds {
		med := m.NormalizedName()
		if med == "" {
			continue
		}
		for _, rule := range rules {
			if !containsWord(med, rule.Medication) {
				continue
			}
			for _, cond := range conditions {
				if !conditionMatches(rule, cond) {
					continue
				}
				id := med + "|" + rule.Medication + "|" + rule.ConditionCode + "|" + rule.ConditionName
				if seen[id] {
					continue
				}
				seen[id] = true
				result.Contraindications = append(result.Contraindications, contraindicationFrom(m.Name, rule, cond))
			}
		}
	}
	sortContraindications(result.Contraindications)
	return result, nil
}

// AbsoluteFor returns the absolute contraindications recorded for one
// medication, independent of any patient.
func (c *ContraindicationChecker) AbsoluteFor(ctx context.Context, medication string) ([]Contraindication, error) {
	med := NormalizeName(medication)
	out := []Contraindication{}
	if med == "" {
		return out, nil
	}
	rules, err := c.store.ContraindicationRules(ctx, lookupTerms([]string{med}))
	if err != nil {
		return out, unavailable(CheckContraindications, err)
	}
	for _, rule := range rules {
		if rule.Kind != Absolute || !containsWord(med, rule.Medication) {
			continue
		}
		out = append(out, contraindicationFrom(medication, rule, Condition{Code: rule.ConditionCode, Name: rule.ConditionName}))
	}
	sortContraindications(out)
	return out, nil
}

func contraindicationFrom(medication string, rule ContraindicationRule, cond Condition) Contraindication {
	name := cond.Name
	if name == "" {
		name = rule.ConditionName
	}
	code := cond.Code
	if code == "" {
		code = rule.ConditionCode
	}
	return Contraindication{
		Medication:    medication,
		ConditionCode: code,
		ConditionName: name,
		Kind:          rule.Kind,
		Description:   rule.Description,
		EvidenceLevel: rule.EvidenceLevel,
		Alternatives:  append([]string(nil), rule.Alternatives...),
	}
}

func sortContraindications(cs []Contraindication) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if (a.Kind == Absolute) != (b.Kind == Absolute) {
			return a.Kind == Absolute
		}
		if na, nb := NormalizeName(a.Medication), NormalizeName(b.Medication); na != nb {
			return na < nb
		}
		if a.ConditionCode != b.ConditionCode {
			return a.ConditionCode < b.ConditionCode
		}
		return NormalizeName(a.ConditionName) < NormalizeName(b.ConditionName)
	})
}
