package safety

import (
	"context"
	"sort"
	"strings"
)

// InteractionChecker finds drug-drug interactions among a medication set.
type InteractionChecker struct {
	store ReferenceStore
	cache InteractionCache
}

// NewInteractionChecker builds a checker. cache may be nil.
func NewInteractionChecker(store ReferenceStore, cache InteractionCache) *InteractionChecker {
	return &InteractionChecker{store: store, cache: cache}
}

// distinctNames returns the distinct non-empty normalized names, sorted.
func distinctNames(meds []Medication) []string {
	seen := make(map[string]bool, len(meds))
	names := make([]string, 0, len(meds))
	for _, m := range meds {
		n := m.NormalizedName()
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InteractionCacheKey is the order-independent cache key of a medication
// set: its distinct normalized names, sorted and joined with "|".
func InteractionCacheKey(meds []Medication) string {
	return strings.Join(distinctNames(meds), "|")
}

// Check returns every known interaction between any two of meds. With fewer
// than two distinct medications no lookup is made. A store failure returns
// the empty result together with an *UnavailableError; that result is
// never cached and must not be read as "no interactions".
func (c *InteractionChecker) Check(ctx context.Context, meds []Medication) (InteractionResult, error) {
	names := distinctNames(meds)
	if len(names) < 2 {
		return emptyInteractionResult(), nil
	}
	key := strings.Join(names, "|")
	if c.cache != nil {
		if r, ok := c.cache.Get(ctx, key); ok {
			return r, nil
		}
	}

	pairs := make([]DrugPair, 0, len(names)*(len(names)-1)/2)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			pairs = append(pairs, DrugPair{A: names[i], B: names[j]})
		}
	}

	found, err := c.store.LookupInteractions(ctx, pairs)
	if err != nil {
		return emptyInteractionResult(), unavailable(CheckInteractions, err)
	}

	result := buildInteractionResult(found)
	if c.cache != nil {
		c.cache.Set(ctx, key, result)
	}
	return result.clone(), nil
}

func buildInteractionResult(found []Interaction) InteractionResult {
	result := emptyInteractionResult()
	seen := make(map[string]bool, len(found))
	for _, it := range found {
		p := NewDrugPair(it.DrugA, it.DrugB)
		it.DrugA, it.DrugB = p.A, p.B
		id := p.Key() + "|" + string(it.Severity) + "|" + it.Description
		if seen[id] {
			continue
		}
		seen[id] = true
		result.Interactions = append(result.Interactions, it)
		result.HighestSeverity = MaxSeverity(result.HighestSeverity, it.Severity)
	}
	sort.SliceStable(result.Interactions, func(i, j int) bool {
		a, b := result.Interactions[i], result.Interactions[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.PairKey() != b.PairKey() {
			return a.PairKey() < b.PairKey()
		}
		return a.Description < b.Description
	})
	result.HasInteractions = len(result.Interactions) > 0
	result.RequiresAction = result.HighestSeverity.RequiresAction()
	return result
}
