package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/broadcast"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/redact"
)

const (
	broadcastTimeout = 5 * time.Second
	sweepBatch       = 500
)

// ManagerDeps are the collaborators of a Manager. Broadcaster, Events and
// Metrics may be nil.
type ManagerDeps struct {
	Repo        Repository
	Broadcaster broadcast.Broadcaster
	Events      *events.Emitter
	Metrics     *metrics.Collector
	Redactor    *redact.Redactor
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Manager owns the alert lifecycle: creation, queries, acknowledgement,
// dismissal and expiry. Persistence is the durability boundary; broadcast
// and event publication run after it and never undo it.
type Manager struct {
	repo        Repository
	broadcaster broadcast.Broadcaster
	events      *events.Emitter
	metrics     *metrics.Collector
	redactor    *redact.Redactor
	logger      zerolog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewManager(deps ManagerDeps) *Manager {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		repo:        deps.Repo,
		broadcaster: deps.Broadcaster,
		events:      deps.Events,
		metrics:     deps.Metrics,
		redactor:    deps.Redactor,
		logger:      deps.Logger,
		now:         now,
	}
}

// eventPayload is the body of alert domain events. It carries no patient
// identifiers; consumers fetch the alert by ID.
type eventPayload struct {
	AlertID   string               `json:"alertId"`
	Type      Type                 `json:"alertType"`
	Severity  safety.AlertSeverity `json:"severity"`
	Status    Status               `json:"status"`
	RiskLevel safety.RiskLevel     `json:"riskLevel"`
}

func (m *Manager) emit(ctx context.Context, eventType string, a *Alert) {
	m.events.Emit(ctx, events.New(eventType, a.ID.String(), eventPayload{
		AlertID:   a.ID.String(),
		Type:      a.Type,
		Severity:  a.Severity,
		Status:    a.Status,
		RiskLevel: a.RiskLevel,
	}))
}

// Create persists a new alert and, for critical or high-risk alerts,
// broadcasts it in the background.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Alert, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	a := &Alert{
		PatientID:       strings.TrimSpace(in.PatientID),
		FacilityID:      optional(in.FacilityID),
		OrganizationID:  optional(in.OrganizationID),
		Type:            in.Type,
		Severity:        in.Severity,
		Priority:        PriorityFor(in.Severity),
		Title:           Title(in.Type, in.ClinicalContext),
		Message:         strings.TrimSpace(in.Message),
		ClinicalContext: in.ClinicalContext,
		RiskScore:       in.RiskScore,
		RiskLevel:       in.RiskLevel,
		Recommendations: nonNil(in.Recommendations),
		Alternatives:    nonNil(in.Alternatives),
		Status:          StatusActive,
		Source:          in.Source,
		Confidence:      in.Confidence,
		ExpiresAt:       ExpiresAt(in.Type, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	m.metrics.AlertCreated(string(a.Type), string(a.Severity))
	m.emit(ctx, events.AlertCreated, a)
	m.logger.Info().
		Str("alert_id", a.ID.String()).
		Str("patient_ref", m.redactor.Ref(a.PatientID)).
		Str("alert_type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("risk_level", string(a.RiskLevel)).
		Msg("clinical alert created")

	if m.broadcaster != nil && (a.Severity == safety.AlertCritical || a.RiskLevel == safety.RiskHigh) {
		m.broadcastAsync(ctx, *a)
	}
	return a, nil
}

func (m *Manager) broadcastAsync(ctx context.Context, a Alert) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		defer cancel()
		if err := BroadcastAlert(ctx, m.broadcaster, &a); err != nil {
			m.logger.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("alert broadcast failed")
		}
	}()
}

// BroadcastAlert fans a to its rooms: the patient room always, the facility
// and organization rooms when set, and for critical alerts the staff-wide
// room under the critical-alert event. Every room is attempted; failures
// are joined. When b is a broadcast.RoomsBroadcaster an observer in several
// of the alert's rooms receives one clinical-alert frame; otherwise it gets
// one per room. Staff-room members also receive the critical-alert event.
func BroadcastAlert(ctx context.Context, b broadcast.Broadcaster, a *Alert) error {
	rooms := []string{broadcast.PatientRoom(a.PatientID)}
	if a.FacilityID != nil {
		rooms = append(rooms, broadcast.FacilityRoom(*a.FacilityID))
	}
	if a.OrganizationID != nil {
		rooms = append(rooms, broadcast.OrganizationRoom(*a.OrganizationID))
	}

	var errs []error
	if rb, ok := b.(broadcast.RoomsBroadcaster); ok {
		if err := rb.BroadcastRooms(ctx, rooms, broadcast.EventClinicalAlert, a); err != nil {
			errs = append(errs, err)
		}
	} else {
		for _, room := range rooms {
			if err := b.Broadcast(ctx, room, broadcast.EventClinicalAlert, a); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if a.Severity == safety.AlertCritical {
		if err := b.Broadcast(ctx, broadcast.ClinicalTeamAll, broadcast.EventCriticalAlert, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns one alert with its effective status.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Status = a.EffectiveStatus(m.now())
	return a, nil
}

// List returns alerts matching f with effective statuses.
func (m *Manager) List(ctx context.Context, f Filters) ([]*Alert, int, error) {
	now := m.now()
	items, total, err := m.repo.List(ctx, f, now)
	if err != nil {
		return nil, 0, err
	}
	for _, a := range items {
		a.Status = a.EffectiveStatus(now)
	}
	return items, total, nil
}

// Acknowledge records that userID has seen an active alert.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, userID, note string) (*Alert, error) {
	return m.transition(ctx, id, StatusAcknowledged, userID, note, events.AlertAcknowledged)
}

// Dismiss closes an active or acknowledged alert.
func (m *Manager) Dismiss(ctx context.Context, id uuid.UUID, userID, reason string) (*Alert, error) {
	return m.transition(ctx, id, StatusDismissed, userID, reason, events.AlertDismissed)
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, to Status, userID, text, eventType string) (*Alert, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &safety.ValidationError{Fields: []safety.FieldError{{Field: "userId", Message: "is required"}}}
	}
	a, err := m.repo.Transition(ctx, id, to, sourcesFor(to), Change{UserID: userID, Text: text, At: m.now()})
	m.metrics.AlertTransition(string(to), err)
	if err != nil {
		return nil, err
	}
	m.emit(ctx, eventType, a)
	m.logger.Info().
		Str("alert_id", a.ID.String()).
		Str("status", string(a.Status)).
		Str("user_id", userID).
		Msg("clinical alert updated")
	return a, nil
}

// ExpireDue persists expiry for active alerts past their expiresAt and
// publishes alert.expired for each. It returns how many expired.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	expired, err := m.repo.ExpireDue(ctx, m.now(), sweepBatch)
	if err != nil {
		m.metrics.AlertTransition(string(StatusExpired), err)
		return 0, err
	}
	for _, a := range expired {
		m.metrics.AlertTransition(string(StatusExpired), nil)
		m.emit(ctx, events.AlertExpired, a)
	}
	return len(expired), nil
}

// RunSweeper expires due alerts every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.ExpireDue(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("alert expiry sweep failed")
				continue
			}
			if n > 0 {
				m.logger.Info().Int("expired", n).Msg("alert expiry sweep")
			}
		}
	}
}

// Summary returns alert counts for the dashboard, optionally scoped.
func (m *Manager) Summary(ctx context.Context, organizationID, facilityID string) (*Summary, error) {
	return m.repo.Summary(ctx, organizationID, facilityID, m.now())
}

// Wait blocks until in-flight broadcasts finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
