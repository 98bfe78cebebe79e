package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type alertRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository { return &alertRepoPG{pool: pool} }

func (r *alertRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const alertCols = `id, patient_id, facility_id, organization_id, alert_type, severity, priority,
	title, message, clinical_context, risk_score, risk_level, recommendations, alternatives,
	status, source, confidence, expires_at, acknowledged_by, acknowledged_at, acknowledge_note,
	dismissed_by, dismissed_at, dismiss_reason, created_at, updated_at`

// activeExpired matches rows that are stored active but past expiry.
const activeExpired = `(status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1)`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.PatientID, &a.FacilityID, &a.OrganizationID, &a.Type, &a.Severity, &a.Priority,
		&a.Title, &a.Message, &a.ClinicalContext, &a.RiskScore, &a.RiskLevel, &a.Recommendations, &a.Alternatives,
		&a.Status, &a.Source, &a.Confidence, &a.ExpiresAt, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.AcknowledgeNote,
		&a.DismissedBy, &a.DismissedAt, &a.DismissReason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_alert (id, patient_id, facility_id, organization_id, alert_type, severity, priority,
			title, message, clinical_context, risk_score, risk_level, recommendations, alternatives,
			status, source, confidence, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.PatientID, a.FacilityID, a.OrganizationID, a.Type, a.Severity, a.Priority,
		a.Title, a.Message, a.ClinicalContext, a.RiskScore, a.RiskLevel, a.Recommendations, a.Alternatives,
		a.Status, a.Source, a.Confidence, a.ExpiresAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return r.scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM clinical_alert WHERE id = $1`, id))
}

func (r *alertRepoPG) List(ctx context.Context, f Filters, now time.Time) ([]*Alert, int, error) {
	where := []string{"TRUE"}
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "$?", fmt.Sprintf("$%d", len(args))))
	}
	if f.PatientID != "" {
		add("patient_id = $?", f.PatientID)
	}
	if f.FacilityID != "" {
		add("facility_id = $?", f.FacilityID)
	}
	if f.OrganizationID != "" {
		add("organization_id = $?", f.OrganizationID)
	}
	if f.Type != "" {
		add("alert_type = $?", f.Type)
	}
	if f.Severity != "" {
		add("severity = $?", f.Severity)
	}
	switch f.Status {
	case "":
	case StatusActive:
		add("status = 'active' AND (expires_at IS NULL OR expires_at > $?)", now)
	case StatusExpired:
		add("(status = 'expired' OR (status = 'active' AND expires_at <= $?))", now)
	default:
		add("status = $?", f.Status)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinical_alert WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+alertCols+` FROM clinical_alert WHERE %s
		ORDER BY priority ASC, created_at DESC LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *alertRepoPG) Transition(ctx context.Context, id uuid.UUID, to Status, from []Status, ch Change) (*Alert, error) {
	var set string
	switch to {
	case StatusAcknowledged:
		set = "acknowledged_by = $4, acknowledged_at = $1, acknowledge_note = $5"
	case StatusDismissed:
		set = "dismissed_by = $4, dismissed_at = $1, dismiss_reason = $5"
	default:
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, to)
	}

	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	a, err := r.scanAlert(r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_alert SET status = $3, `+set+`, updated_at = $1
		WHERE id = $2 AND status = ANY($6::text[]) AND NOT `+activeExpired+`
		RETURNING `+alertCols,
		ch.At, id, to, optional(ch.UserID), optional(ch.Text), allowed))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, current.EffectiveStatus(ch.At))
}

func (r *alertRepoPG) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE clinical_alert SET status = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM clinical_alert
			WHERE `+activeExpired+`
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING `+alertCols, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *alertRepoPG) Summary(ctx context.Context, organizationID, facilityID string, now time.Time) (*Summary, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT alert_type, severity,
			CASE WHEN `+activeExpired+` THEN 'expired' ELSE status END AS effective_status,
			COUNT(*)
		FROM clinical_alert
		WHERE ($2 = '' OR organization_id = $2) AND ($3 = '' OR facility_id = $3)
		GROUP BY 1, 2, 3`, now, organizationID, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s := newSummary()
	for rows.Next() {
		var (
			t   Type
			sev safety.AlertSeverity
			st  Status
			n   int
		)
		if err := rows.Scan(&t, &sev, &st, &n); err != nil {
			return nil, err
		}
		s.add(t, sev, st, n)
	}
	return s, rows.Err()
}
