package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/platform/db"
)

// pgUndefinedTable is SQLSTATE 42P01, raised when a reference table has
// not been created.
const pgUndefinedTable = "42P01"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore reads reference data from PostgreSQL.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// classify turns a missing-table failure into ErrNotConfigured and leaves
// every other error as-is. Both still mean "unknown", never "no match".
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %s", ErrNotConfigured, pgErr.Message)
	}
	return err
}

func (s *PGStore) LookupInteractions(ctx context.Context, pairs []DrugPair) ([]Interaction, error) {
	as := make([]string, len(pairs))
	bs := make([]string, len(pairs))
	for i, p := range pairs {
		as[i], bs[i] = p.A, p.B
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT di.drug_a, di.drug_b, di.severity, COALESCE(di.description, ''),
			COALESCE(di.mechanism, ''), COALESCE(di.recommendation, ''), COALESCE(di.evidence_level, '')
		FROM drug_interaction di
		JOIN unnest($1::text[], $2::text[]) AS p(a, b)
			ON (di.drug_a = p.a AND di.drug_b = p.b) OR (di.drug_a = p.b AND di.drug_b = p.a)
		WHERE di.active`, as, bs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []Interaction{}
	for rows.Next() {
		var it Interaction
		var sev string
		if err := rows.Scan(&it.DrugA, &it.DrugB, &sev, &it.Description,
			&it.Mechanism, &it.Recommendation, &it.EvidenceLevel); err != nil {
			return nil, err
		}
		if it.Severity, err = ParseSeverity(sev); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, classify(rows.Err())
}

func (s *PGStore) CrossReactivities(ctx context.Context, allergens []string) ([]CrossReactivity, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT allergen, medication, COALESCE(severity, ''), COALESCE(reaction, '')
		FROM allergy_cross_reactivity
		WHERE allergen = ANY($1)`, allergens)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []CrossReactivity{}
	for rows.Next() {
		var cr CrossReactivity
		var sev string
		if err := rows.Scan(&cr.Allergen, &cr.Medication, &sev, &cr.Reaction); err != nil {
			return nil, err
		}
		cr.Severity = AllergySeverity(sev)
		out = append(out, cr)
	}
	return out, classify(rows.Err())
}

func (s *PGStore) ContraindicationRules(ctx context.Context, medications []string) ([]ContraindicationRule, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT medication, COALESCE(condition_code, ''), COALESCE(condition_name, ''), kind,
			COALESCE(description, ''), COALESCE(evidence_level, ''), COALESCE(alternatives, '{}')
		FROM contraindication_rule
		WHERE medication = ANY($1)`, medications)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []ContraindicationRule{}
	for rows.Next() {
		var c ContraindicationRule
		var kind string
		if err := rows.Scan(&c.Medication, &c.ConditionCode, &c.ConditionName, &kind,
			&c.Description, &c.EvidenceLevel, &c.Alternatives); err != nil {
			return nil, err
		}
		if c.Kind, err = ParseContraindicationKind(kind); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

const doseRangeCols = `medication, COALESCE(route, ''), min_daily_mg, max_daily_mg, toxic_daily_mg,
	pediatric_mg_per_kg, renal_gfr_threshold, renal_factor,
	hepatic_mild_factor, hepatic_moderate_factor, hepatic_severe_factor, geriatric_factor`

func (s *PGStore) DoseRanges(ctx context.Context, medications []string) ([]DoseRange, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+doseRangeCols+` FROM dose_range WHERE medication = ANY($1)`, medications)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []DoseRange{}
	for rows.Next() {
		var d DoseRange
		if err := rows.Scan(&d.Medication, &d.Route, &d.MinDailyMg, &d.MaxDailyMg, &d.ToxicDailyMg,
			&d.PediatricMgPerKg, &d.RenalGFRThreshold, &d.RenalFactor,
			&d.HepaticMild, &d.HepaticModerate, &d.HepaticSevere, &d.GeriatricFactor); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

// Replace swaps the full reference dataset inside one transaction. Rows are
// bulk-loaded with COPY.
func (s *PGStore) Replace(ctx context.Context, ds *Dataset) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		for _, table := range []string{"drug_interaction", "allergy_cross_reactivity", "contraindication_rule", "dose_range"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		interactions := make([][]interface{}, 0, len(ds.Interactions))
		for _, it := range ds.Interactions {
			p := NewDrugPair(it.DrugA, it.DrugB)
			interactions = append(interactions, []interface{}{p.A, p.B, string(it.Severity),
				it.Description, it.Mechanism, it.Recommendation, it.EvidenceLevel, true})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"drug_interaction"},
			[]string{"drug_a", "drug_b", "severity", "description", "mechanism", "recommendation", "evidence_level", "active"},
			pgx.CopyFromRows(interactions)); err != nil {
			return fmt.Errorf("load drug_interaction: %w", err)
		}

		cross := make([][]interface{}, 0, len(ds.CrossReactivities))
		for _, cr := range ds.CrossReactivities {
			cross = append(cross, []interface{}{cr.Allergen, cr.Medication, string(cr.Severity), cr.Reaction})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"allergy_cross_reactivity"},
			[]string{"allergen", "medication", "severity", "reaction"},
			pgx.CopyFromRows(cross)); err != nil {
			return fmt.Errorf("load allergy_cross_reactivity: %w", err)
		}

		contra := make([][]interface{}, 0, len(ds.Contraindications))
		for _, c := range ds.Contraindications {
			alts := c.Alternatives
			if alts == nil {
				alts = []string{}
			}
			contra = append(contra, []interface{}{c.Medication, c.ConditionCode, c.ConditionName, string(c.Kind),
				c.Description, c.EvidenceLevel, alts})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"contraindication_rule"},
			[]string{"medication", "condition_code", "condition_name", "kind", "description", "evidence_level", "alternatives"},
			pgx.CopyFromRows(contra)); err != nil {
			return fmt.Errorf("load contraindication_rule: %w", err)
		}

		doses := make([][]interface{}, 0, len(ds.DoseRanges))
		for _, d := range ds.DoseRanges {
			doses = append(doses, []interface{}{d.Medication, d.Route, d.MinDailyMg, d.MaxDailyMg, d.ToxicDailyMg,
				d.PediatricMgPerKg, d.RenalGFRThreshold, d.RenalFactor,
				d.HepaticMild, d.HepaticModerate, d.HepaticSevere, d.GeriatricFactor})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"dose_range"},
			[]string{"medication", "route", "min_daily_mg", "max_daily_mg", "toxic_daily_mg",
				"pediatric_mg_per_kg", "renal_gfr_threshold", "renal_factor",
				"hepatic_mild_factor", "hepatic_moderate_factor", "hepatic_severe_factor", "geriatric_factor"},
			pgx.CopyFromRows(doses)); err != nil {
			return fmt.Errorf("load dose_range: %w", err)
		}
		return nil
	})
}
