package alert

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/broadcast"
	"github.com/ehr/medsafety/internal/platform/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	sort.Strings(out)
	return out
}

func TestManager_CreateDerivesFields(t *testing.T) {
	clk := newClock()
	repo := newMemRepo()
	m := newTestManager(repo, nil, clk)

	a, err := m.Create(context.Background(), interactionInput("p1", safety.AlertWarning))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Title != "Drug interaction: warfarin + aspirin" {
		t.Errorf("title = %q", a.Title)
	}
	if a.Status != StatusActive || a.Priority != 2 || a.Source != SourceAutomated {
		t.Errorf("unexpected derived fields: %+v", a)
	}
	if a.ExpiresAt == nil || !a.ExpiresAt.Equal(clk.Now().Add(24*time.Hour)) {
		t.Errorf("expiresAt = %v", a.ExpiresAt)
	}
	if a.Recommendations == nil || a.Alternatives == nil {
		t.Error("expected non-nil recommendation and alternative lists")
	}
	if _, err := repo.GetByID(context.Background(), a.ID); err != nil {
		t.Errorf("alert was not persisted: %v", err)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m := newTestManager(newMemRepo(), nil, newClock())
	_, err := m.Create(context.Background(), CreateInput{})
	var verr *safety.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// Scenario E: a critical alert with facility and organization set reaches
// exactly those rooms plus the staff-wide room.
func TestManager_CriticalAlertRooms(t *testing.T) {
	b := &recordingBroadcaster{}
	m := newTestManager(newMemRepo(), b, newClock())

	in := interactionInput("p1", safety.AlertCritical)
	in.FacilityID = "f1"
	in.OrganizationID = "o1"
	if _, err := m.Create(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Wait()

	got := b.deliveries()
	want := []sent{
		{Room: "patient-p1", Event: broadcast.EventClinicalAlert},
		{Room: "facility-f1", Event: broadcast.EventClinicalAlert},
		{Room: "organization-o1", Event: broadcast.EventClinicalAlert},
		{Room: broadcast.ClinicalTeamAll, Event: broadcast.EventCriticalAlert},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deliveries = %+v, want %+v", got, want)
	}
}

func TestManager_HighRiskWarningBroadcastsWithoutStaffRoom(t *testing.T) {
	b := &recordingBroadcaster{}
	m := newTestManager(newMemRepo(), b, newClock())

	if _, err := m.Create(context.Background(), interactionInput("p1", safety.AlertWarning)); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	got := b.deliveries()
	if len(got) != 1 || got[0].Room != "patient-p1" || got[0].Event != broadcast.EventClinicalAlert {
		t.Errorf("deliveries = %+v", got)
	}
}

func TestManager_LowRiskDoesNotBroadcast(t *testing.T) {
	b := &recordingBroadcaster{}
	m := newTestManager(newMemRepo(), b, newClock())

	in := interactionInput("p1", safety.AlertInfo)
	in.RiskScore = 15
	if _, err := m.Create(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if got := b.deliveries(); len(got) != 0 {
		t.Errorf("expected no broadcast, got %+v", got)
	}
}

func TestManager_BroadcastFailureKeepsAlert(t *testing.T) {
	b := &recordingBroadcaster{failRooms: map[string]bool{"patient-p1": true}}
	repo := newMemRepo()
	m := newTestManager(repo, b, newClock())

	a, err := m.Create(context.Background(), interactionInput("p1", safety.AlertCritical))
	if err != nil {
		t.Fatalf("broadcast failure must not fail creation: %v", err)
	}
	m.Wait()
	if _, err := repo.GetByID(context.Background(), a.ID); err != nil {
		t.Errorf("alert was rolled back: %v", err)
	}
	// The remaining rooms are still attempted.
	if got := b.deliveries(); len(got) != 2 {
		t.Errorf("expected 2 delivery attempts, got %+v", got)
	}
}

func TestManager_PersistFailureSkipsBroadcast(t *testing.T) {
	b := &recordingBroadcaster{}
	repo := newMemRepo()
	repo.createErr = errors.New("db down")
	m := newTestManager(repo, b, newClock())

	if _, err := m.Create(context.Background(), interactionInput("p1", safety.AlertCritical)); err == nil {
		t.Fatal("expected persistence error")
	}
	m.Wait()
	if got := b.deliveries(); len(got) != 0 {
		t.Errorf("nothing may be broadcast without a persisted alert, got %+v", got)
	}
}

func TestBroadcastAlert_JoinsErrors(t *testing.T) {
	b := &recordingBroadcaster{failRooms: map[string]bool{"patient-p1": true, broadcast.ClinicalTeamAll: true}}
	fac := "f1"
	err := BroadcastAlert(context.Background(), b, &Alert{PatientID: "p1", FacilityID: &fac, Severity: safety.AlertCritical})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(b.deliveries()) != 3 {
		t.Errorf("expected every room attempted, got %+v", b.deliveries())
	}
}

func TestManager_AcknowledgeAndDismiss(t *testing.T) {
	clk := newClock()
	m := newTestManager(newMemRepo(), nil, clk)
	ctx := context.Background()

	a, _ := m.Create(ctx, interactionInput("p1", safety.AlertWarning))
	clk.Advance(time.Minute)

	acked, err := m.Acknowledge(ctx, a.ID, "nurse-1", "seen")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != StatusAcknowledged || *acked.AcknowledgedBy != "nurse-1" || *acked.AcknowledgeNote != "seen" {
		t.Errorf("unexpected acknowledged alert: %+v", acked)
	}
	if !acked.AcknowledgedAt.Equal(clk.Now()) {
		t.Errorf("acknowledgedAt = %v", acked.AcknowledgedAt)
	}

	dismissed, err := m.Dismiss(ctx, a.ID, "dr-1", "resolved")
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if dismissed.Status != StatusDismissed || *dismissed.DismissReason != "resolved" {
		t.Errorf("unexpected dismissed alert: %+v", dismissed)
	}
}

func TestManager_NoStatusRegression(t *testing.T) {
	clk := newClock()
	repo := newMemRepo()
	m := newTestManager(repo, nil, clk)
	ctx := context.Background()

	dismissed, _ := m.Create(ctx, interactionInput("p1", safety.AlertWarning))
	if _, err := m.Dismiss(ctx, dismissed.ID, "dr-1", "duplicate"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acknowledge(ctx, dismissed.ID, "nurse-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("acknowledging a dismissed alert: got %v, want ErrInvalidTransition", err)
	}
	stored, _ := repo.GetByID(ctx, dismissed.ID)
	if stored.Status != StatusDismissed || stored.AcknowledgedBy != nil {
		t.Errorf("failed transition mutated the alert: %+v", stored)
	}

	expired, _ := m.Create(ctx, interactionInput("p2", safety.AlertWarning))
	clk.Advance(25 * time.Hour)
	if _, err := m.Acknowledge(ctx, expired.ID, "nurse-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("acknowledging an expired alert: got %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Dismiss(ctx, expired.ID, "dr-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dismissing an expired alert: got %v, want ErrInvalidTransition", err)
	}
	got, _ := m.Get(ctx, expired.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected effective status expired, got %s", got.Status)
	}
}

func TestManager_ConcurrentTransitionsNeverRegress(t *testing.T) {
	m := newTestManager(newMemRepo(), nil, newClock())
	ctx := context.Background()
	a, _ := m.Create(ctx, interactionInput("p1", safety.AlertWarning))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m.Acknowledge(ctx, a.ID, "nurse", "") }()
		go func() { defer wg.Done(); m.Dismiss(ctx, a.ID, "dr", "") }()
	}
	wg.Wait()

	got, _ := m.Get(ctx, a.ID)
	if got.Status != StatusDismissed {
		t.Errorf("expected dismissed to win eventually, got %s", got.Status)
	}
}

func TestManager_TransitionRequiresUser(t *testing.T) {
	m := newTestManager(newMemRepo(), nil, newClock())
	a, _ := m.Create(context.Background(), interactionInput("p1", safety.AlertWarning))
	var verr *safety.ValidationError
	if _, err := m.Acknowledge(context.Background(), a.ID, " ", ""); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestManager_ListAppliesEffectiveStatus(t *testing.T) {
	clk := newClock()
	m := newTestManager(newMemRepo(), nil, clk)
	ctx := context.Background()

	allergy := CreateInput{PatientID: "p1", Type: TypeAllergy, Severity: safety.AlertCritical, Message: "m"}
	if _, err := m.Create(ctx, allergy); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := m.Create(ctx, interactionInput("p1", safety.AlertWarning)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(48 * time.Hour)

	items, total, err := m.List(ctx, Filters{PatientID: "p1"})
	if err != nil || total != 2 {
		t.Fatalf("expected 2 alerts, got %d (%v)", total, err)
	}
	if items[0].Type != TypeAllergy || items[0].Status != StatusActive {
		t.Errorf("critical allergy alert should sort first and stay active: %+v", items[0])
	}
	if items[1].Status != StatusExpired {
		t.Errorf("interaction alert should read as expired, got %s", items[1].Status)
	}

	active, total, _ := m.List(ctx, Filters{PatientID: "p1", Status: StatusActive})
	if total != 1 || active[0].Type != TypeAllergy {
		t.Errorf("active filter returned %+v", active)
	}
}

func TestManager_ExpireDue(t *testing.T) {
	clk := newClock()
	repo := newMemRepo()
	pub := &recordingPublisher{}
	emitter := events.NewEmitter(pub, zerolog.Nop(), nil)
	m := NewManager(ManagerDeps{Repo: repo, Events: emitter, Logger: zerolog.Nop(), Now: clk.Now})
	ctx := context.Background()

	dose := CreateInput{PatientID: "p1", Type: TypeDoseError, Severity: safety.AlertWarning, Message: "m"}
	a, _ := m.Create(ctx, dose)
	m.Create(ctx, CreateInput{PatientID: "p1", Type: TypeAllergy, Severity: safety.AlertWarning, Message: "m"})

	if n, err := m.ExpireDue(ctx); err != nil || n != 0 {
		t.Fatalf("nothing is due yet, got %d %v", n, err)
	}
	clk.Advance(13 * time.Hour)
	n, err := m.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d %v", n, err)
	}
	stored, _ := repo.GetByID(ctx, a.ID)
	if stored.Status != StatusExpired {
		t.Errorf("expiry was not persisted: %s", stored.Status)
	}

	emitter.Wait()
	want := []string{events.AlertCreated, events.AlertCreated, events.AlertExpired}
	if got := pub.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestManager_RunSweeperStops(t *testing.T) {
	clk := newClock()
	repo := newMemRepo()
	m := newTestManager(repo, nil, clk)
	a, _ := m.Create(context.Background(), CreateInput{PatientID: "p1", Type: TypeDoseError, Severity: safety.AlertWarning, Message: "m"})
	clk.Advance(13 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		stored, _ := repo.GetByID(context.Background(), a.ID)
		if stored.Status == StatusExpired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never expired the alert")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestManager_Summary(t *testing.T) {
	clk := newClock()
	m := newTestManager(newMemRepo(), nil, clk)
	ctx := context.Background()

	in := interactionInput("p1", safety.AlertCritical)
	in.OrganizationID = "o1"
	m.Create(ctx, in)
	m.Create(ctx, CreateInput{PatientID: "p2", OrganizationID: "o1", Type: TypeAllergy, Severity: safety.AlertWarning, Message: "m"})
	m.Create(ctx, CreateInput{PatientID: "p3", OrganizationID: "o2", Type: TypeAllergy, Severity: safety.AlertInfo, Message: "m"})
	clk.Advance(25 * time.Hour)

	s, err := m.Summary(ctx, "o1", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 2 || s.ByType["allergy"] != 1 || s.ByType["drug-interaction"] != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.ByStatus["expired"] != 1 || s.ByStatus["active"] != 1 {
		t.Errorf("unexpected status counts %+v", s.ByStatus)
	}
	if s.BySeverity["critical"] != 1 || s.BySeverity["warning"] != 1 {
		t.Errorf("unexpected severity counts %+v", s.BySeverity)
	}
}

func TestBroadcastAlert_HubDeliversOncePerObserver(t *testing.T) {
	hub := broadcast.NewHub(zerolog.Nop(), nil)
	observer := broadcast.NewClient("observer", 8)
	hub.Register(observer)
	for _, room := range []string{broadcast.PatientRoom("p1"), broadcast.FacilityRoom("f1")} {
		if err := hub.Join(observer, room); err != nil {
			t.Fatalf("Join %s: %v", room, err)
		}
	}

	facility := "f1"
	a := &Alert{PatientID: "p1", FacilityID: &facility, Severity: safety.AlertWarning}
	if err := BroadcastAlert(context.Background(), hub, a); err != nil {
		t.Fatalf("BroadcastAlert: %v", err)
	}
	if n := len(observer.Send); n != 1 {
		t.Errorf("observer in patient and facility rooms got %d frames, want 1", n)
	}
}
