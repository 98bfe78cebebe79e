package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type prescriptionRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository { return &prescriptionRepoPG{pool: pool} }

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const prescriptionCols = `id, patient_id, prescriber_id, medication_name, dose, dose_unit, frequency, route, code,
	status, gate_state, risk_score, risk_level, quality_review, override_justification, degraded,
	unavailable_checks, discontinued_by, discontinued_at, created_at, updated_at`

func (r *prescriptionRepoPG) scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	m := &p.Medication
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriberID, &m.Name, &m.Dose, &m.DoseUnit, &m.Frequency, &m.Route, &m.Code,
		&p.Status, &p.GateState, &p.RiskScore, &p.RiskLevel, &p.QualityReview, &p.OverrideJustification, &p.Degraded,
		&p.UnavailableChecks, &p.DiscontinuedBy, &p.DiscontinuedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	m := p.Medication
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, prescriber_id, medication_name, dose, dose_unit, frequency, route, code,
			status, gate_state, risk_score, risk_level, quality_review, override_justification, degraded, unavailable_checks)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PrescriberID, m.Name, m.Dose, m.DoseUnit, m.Frequency, m.Route, m.Code,
		p.Status, p.GateState, p.RiskScore, p.RiskLevel, p.QualityReview, p.OverrideJustification, p.Degraded,
		p.UnavailableChecks).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescription WHERE id = $1`, id))
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID string, status Status, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM prescription WHERE patient_id = $1 AND ($2 = '' OR status = $2)`,
		patientID, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescription
		WHERE patient_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, patientID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := r.scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *prescriptionRepoPG) Discontinue(ctx context.Context, id uuid.UUID, userID string) (*Prescription, error) {
	p, err := r.scanPrescription(r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET status = 'discontinued', discontinued_by = $2, discontinued_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING `+prescriptionCols, id, userID, time.Now().UTC()))
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyDiscontinued
}
