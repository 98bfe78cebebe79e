package integration

import (
	"context"
	"testing"

	"github.com/ehr/medsafety/internal/domain/safety"
)

func TestReferenceStorePG(t *testing.T) {
	ctx := context.Background()
	store := safety.NewPGStore(globalPool)

	t.Run("InteractionsMatchEitherOrder", func(t *testing.T) {
		got, err := store.LookupInteractions(ctx, []safety.DrugPair{
			safety.NewDrugPair("Warfarin", "Aspirin"),
			safety.NewDrugPair("acetaminophen", "aspirin"),
		})
		if err != nil {
			t.Fatalf("LookupInteractions: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 interaction, got %d", len(got))
		}
		if got[0].Severity != safety.SeverityMajor {
			t.Errorf("expected major, got %s", got[0].Severity)
		}
		if got[0].EvidenceLevel != "A" {
			t.Errorf("expected evidence level A, got %q", got[0].EvidenceLevel)
		}
	})

	t.Run("CrossReactivities", func(t *testing.T) {
		got, err := store.CrossReactivities(ctx, []string{"penicillin"})
		if err != nil {
			t.Fatalf("CrossReactivities: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 penicillin cross-reactivities, got %d", len(got))
		}
	})

	t.Run("ContraindicationAlternatives", func(t *testing.T) {
		got, err := store.ContraindicationRules(ctx, []string{"ibuprofen"})
		if err != nil {
			t.Fatalf("ContraindicationRules: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 rule, got %d", len(got))
		}
		if got[0].Kind != safety.Absolute {
			t.Errorf("expected absolute, got %s", got[0].Kind)
		}
		if len(got[0].Alternatives) != 1 || got[0].Alternatives[0] != "acetaminophen" {
			t.Errorf("unexpected alternatives %v", got[0].Alternatives)
		}
	})

	t.Run("DoseRangesPerRoute", func(t *testing.T) {
		got, err := store.DoseRanges(ctx, []string{"morphine"})
		if err != nil {
			t.Fatalf("DoseRanges: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected iv and oral ranges, got %d", len(got))
		}
	})

	t.Run("ReplaceInsideTransactionRollsBack", func(t *testing.T) {
		ds, err := safety.ParseDataset([]byte(`
version: broken
interactions:
  - drug_a: a
    drug_b: b
    severity: minor
dose_ranges:
  - medication: x
    max_daily_mg: 10
  - medication: x
    max_daily_mg: 20
`))
		if err != nil {
			t.Fatalf("ParseDataset: %v", err)
		}
		// Duplicate (medication, route) fails the load after the tables
		// were cleared; the seed data must survive.
		if err := store.Replace(ctx, ds); err == nil {
			t.Fatal("expected duplicate dose range to fail")
		}
		got, err := store.LookupInteractions(ctx, []safety.DrugPair{safety.NewDrugPair("warfarin", "aspirin")})
		if err != nil {
			t.Fatalf("LookupInteractions: %v", err)
		}
		if len(got) != 1 {
			t.Error("seed data lost after failed replace")
		}
	})
}
