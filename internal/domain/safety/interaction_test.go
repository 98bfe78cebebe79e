package safety

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestInteraction_ScenarioA_WarfarinAspirin(t *testing.T) {
	c := NewInteractionChecker(newTestStore(t), nil)
	res, err := c.Check(context.Background(), meds("Warfarin", "Aspirin"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasInteractions {
		t.Error("expected hasInteractions=true")
	}
	if res.HighestSeverity != SeverityMajor {
		t.Errorf("expected highestSeverity=major, got %s", res.HighestSeverity)
	}
	if !res.RequiresAction {
		t.Error("expected requiresAction=true")
	}
	if len(res.Interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(res.Interactions))
	}
	if res.Interactions[0].EvidenceLevel != "A" {
		t.Errorf("expected evidence level A, got %q", res.Interactions[0].EvidenceLevel)
	}
}

func TestInteraction_ScenarioB_SingleMedication(t *testing.T) {
	store := &countingStore{ReferenceStore: newTestStore(t)}
	c := NewInteractionChecker(store, nil)
	res, err := c.Check(context.Background(), meds("Aspirin"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.HasInteractions {
		t.Error("expected hasInteractions=false")
	}
	if res.HighestSeverity != SeverityNone {
		t.Errorf("expected highestSeverity=none, got %s", res.HighestSeverity)
	}
	if res.Interactions == nil {
		t.Error("expected empty, non-nil interactions")
	}
	if store.interactionCalls.Load() != 0 {
		t.Error("expected no lookup for a single medication")
	}
}

func TestInteraction_DuplicateNamesCountOnce(t *testing.T) {
	store := &countingStore{ReferenceStore: newTestStore(t)}
	c := NewInteractionChecker(store, nil)
	res, _ := c.Check(context.Background(), meds("aspirin", " ASPIRIN "))
	if res.HasInteractions || store.interactionCalls.Load() != 0 {
		t.Error("two spellings of one drug are a single medication")
	}
}

func TestInteraction_OrderIndependence(t *testing.T) {
	c := NewInteractionChecker(newTestStore(t), nil)
	ctx := context.Background()

	ab, _ := c.Check(ctx, meds("Warfarin", "Aspirin", "Ibuprofen", "Lisinopril"))
	ba, _ := c.Check(ctx, meds("Lisinopril", "Ibuprofen", "Aspirin", "Warfarin"))
	if !reflect.DeepEqual(ab, ba) {
		t.Errorf("results differ by input order:\n%+v\n%+v", ab, ba)
	}

	k1 := InteractionCacheKey(meds("Warfarin", "Aspirin"))
	k2 := InteractionCacheKey(meds("aspirin", "WARFARIN"))
	if k1 != k2 || k1 != "aspirin|warfarin" {
		t.Errorf("cache keys differ: %q vs %q", k1, k2)
	}
}

func TestInteraction_SortedBySeverityDesc(t *testing.T) {
	c := NewInteractionChecker(newTestStore(t), nil)
	res, _ := c.Check(context.Background(), meds("aspirin", "ibuprofen", "lisinopril", "warfarin"))
	if len(res.Interactions) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(res.Interactions))
	}
	want := []Severity{SeverityMajor, SeverityModerate, SeverityMinor}
	for i, w := range want {
		if res.Interactions[i].Severity != w {
			t.Errorf("position %d: got %s, want %s", i, res.Interactions[i].Severity, w)
		}
	}
}

func TestInteraction_Monotonicity(t *testing.T) {
	c := NewInteractionChecker(newTestStore(t), nil)
	ctx := context.Background()
	base := []string{"aspirin", "ibuprofen"}
	extra := []string{"lisinopril", "warfarin", "simvastatin", "clarithromycin", "metformin"}

	prev, _ := c.Check(ctx, meds(base...))
	set := append([]string{}, base...)
	for _, m := range extra {
		set = append(set, m)
		next, err := c.Check(ctx, meds(set...))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.HighestSeverity.Rank() < prev.HighestSeverity.Rank() {
			t.Errorf("adding %s lowered highest severity from %s to %s", m, prev.HighestSeverity, next.HighestSeverity)
		}
		prev = next
	}
	if prev.HighestSeverity != SeverityCritical {
		t.Errorf("expected critical at the end, got %s", prev.HighestSeverity)
	}
}

func TestInteraction_CacheHitIsIndistinguishable(t *testing.T) {
	store := &countingStore{ReferenceStore: newTestStore(t)}
	c := NewInteractionChecker(store, NewMemoryCache(10, 0))
	ctx := context.Background()

	first, err := c.Check(ctx, meds("Warfarin", "Aspirin"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mutating a returned result must not leak into the cache.
	first.Interactions[0].Description = "tampered"

	second, _ := c.Check(ctx, meds("aspirin", "warfarin"))
	if store.interactionCalls.Load() != 1 {
		t.Errorf("expected one lookup, got %d", store.interactionCalls.Load())
	}
	fresh, _ := NewInteractionChecker(newTestStore(t), nil).Check(ctx, meds("Warfarin", "Aspirin"))
	if !reflect.DeepEqual(second, fresh) {
		t.Errorf("cache hit differs from fresh computation:\n%+v\n%+v", second, fresh)
	}
}

func TestInteraction_PairsEnumeratedOnce(t *testing.T) {
	store := &countingStore{ReferenceStore: newTestStore(t)}
	c := NewInteractionChecker(store, nil)
	_, _ = c.Check(context.Background(), meds("a", "b", "c", "d"))
	if len(store.lastPairs) != 6 {
		t.Errorf("expected 6 unordered pairs, got %d", len(store.lastPairs))
	}
	for _, p := range store.lastPairs {
		if p.A >= p.B {
			t.Errorf("pair not ordered: %+v", p)
		}
	}
}

func TestInteraction_UnavailableIsNotEmpty(t *testing.T) {
	cache := NewMemoryCache(10, 0)
	c := NewInteractionChecker(UnconfiguredStore(), cache)
	res, err := c.Check(context.Background(), meds("Warfarin", "Aspirin"))
	if !errors.Is(err, ErrSafetyCheckUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected cause ErrNotConfigured, got %v", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Check != CheckInteractions {
		t.Errorf("expected UnavailableError for interactions, got %v", err)
	}
	if res.HasInteractions {
		t.Error("unavailable result must carry no findings")
	}
	if _, ok := cache.Get(context.Background(), "aspirin|warfarin"); ok {
		t.Error("unavailable result must not be cached")
	}
}
