package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/domain/safety"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the postgres implementation.
type memRepo struct {
	mu        sync.Mutex
	alerts    map[uuid.UUID]*Alert
	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{alerts: map[uuid.UUID]*Alert{}}
}

func (r *memRepo) Create(_ context.Context, a *Alert) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.New()
	cp := *a
	r.alerts[a.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) List(_ context.Context, f Filters, now time.Time) ([]*Alert, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Alert
	for _, a := range r.alerts {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Status != "" && a.EffectiveStatus(now) != f.Status {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if f.Offset < len(all) {
		all = all[f.Offset:]
	} else {
		all = nil
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (r *memRepo) Transition(_ context.Context, id uuid.UUID, to Status, from []Status, ch Change) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
		}
	}
	if !allowed || a.EffectiveStatus(ch.At) == StatusExpired {
		return nil, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.EffectiveStatus(ch.At))
	}
	a.Status = to
	a.UpdatedAt = ch.At
	at := ch.At
	switch to {
	case StatusAcknowledged:
		a.AcknowledgedBy, a.AcknowledgedAt, a.AcknowledgeNote = optional(ch.UserID), &at, optional(ch.Text)
	case StatusDismissed:
		a.DismissedBy, a.DismissedAt, a.DismissReason = optional(ch.UserID), &at, optional(ch.Text)
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) ExpireDue(_ context.Context, now time.Time, limit int) ([]*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Alert
	for _, a := range r.alerts {
		if len(out) >= limit {
			break
		}
		if a.Status == StatusActive && a.EffectiveStatus(now) == StatusExpired {
			a.Status = StatusExpired
			a.UpdatedAt = now
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) Summary(_ context.Context, org, fac string, now time.Time) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newSummary()
	for _, a := range r.alerts {
		if org != "" && (a.OrganizationID == nil || *a.OrganizationID != org) {
			continue
		}
		if fac != "" && (a.FacilityID == nil || *a.FacilityID != fac) {
			continue
		}
		s.add(a.Type, a.Severity, a.EffectiveStatus(now), 1)
	}
	return s, nil
}

type sent struct {
	Room  string
	Event string
}

// recordingBroadcaster captures every delivery; rooms in failRooms error.
type recordingBroadcaster struct {
	mu        sync.Mutex
	sent      []sent
	failRooms map[string]bool
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, room, event string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{Room: room, Event: event})
	if b.failRooms[room] {
		return errors.New("socket gone")
	}
	return nil
}

func (b *recordingBroadcaster) deliveries() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(repo Repository, b *recordingBroadcaster, clk *clock) *Manager {
	deps := ManagerDeps{Repo: repo, Logger: zerolog.Nop(), Now: clk.Now}
	if b != nil {
		deps.Broadcaster = b
	}
	return NewManager(deps)
}

func interactionInput(patientID string, sev safety.AlertSeverity) CreateInput {
	in := CreateInput{
		PatientID: patientID,
		Type:      TypeDrugInteraction,
		Message:   "major interaction: aspirin + warfarin",
		ClinicalContext: ClinicalContext{
			Medications: []string{"warfarin", "aspirin"},
		},
		Severity:  sev,
		RiskScore: 60,
	}
	return in
}
