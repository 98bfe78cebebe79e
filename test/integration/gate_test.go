package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/alert"
	"github.com/ehr/medsafety/internal/domain/prescription"
	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/broadcast"
)

func TestGate_BlockRaisesPersistedAlertAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, safety.DegradedOverride)
	patient := uniquePatient("block")

	observer := broadcast.NewClient("observer", 8)
	s.hub.Register(observer)
	if err := s.hub.Join(observer, broadcast.PatientRoom(patient)); err != nil {
		t.Fatalf("Join: %v", err)
	}

	d, err := s.gate.Evaluate(ctx, safety.PrescriptionRequest{
		PatientID:    patient,
		PrescriberID: "dr-1",
		Medication:   safety.Medication{Name: "Ibuprofen"},
		Patient: safety.PatientContext{
			Conditions: []safety.Condition{{Code: "K25", Name: "gastric ulcer"}},
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != safety.StateBlocked {
		t.Fatalf("expected blocked, got %s", d.State)
	}
	if d.PrescriptionID != "" {
		t.Error("blocked prescription must not be recorded")
	}
	if d.AlertID == "" {
		t.Fatal("expected an alert for the block")
	}

	a, err := s.alerts.Get(ctx, uuid.MustParse(d.AlertID))
	if err != nil {
		t.Fatalf("Get alert: %v", err)
	}
	if a.Type != alert.TypeContraindication || a.Severity != safety.AlertCritical || a.Priority != 1 {
		t.Errorf("unexpected alert %s/%s/%d", a.Type, a.Severity, a.Priority)
	}

	select {
	case frame := <-observer.Send:
		var msg broadcast.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Event != broadcast.EventClinicalAlert {
			t.Errorf("expected %s, got %s", broadcast.EventClinicalAlert, msg.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never received the alert")
	}

	list, _, err := s.prescriptions.ListByPatient(ctx, patient, "", 10, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no prescriptions, got %d", len(list))
	}
}

func TestGate_OverrideRecordsPrescriptionForQualityReview(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, safety.DegradedOverride)
	patient := uniquePatient("override")

	req := safety.PrescriptionRequest{
		PatientID:         patient,
		PrescriberID:      "dr-1",
		Medication:        safety.Medication{Name: "Warfarin", Dose: 5, DoseUnit: "mg", Frequency: "daily"},
		ActiveMedications: []safety.Medication{{Name: "Aspirin"}},
	}
	d, err := s.gate.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != safety.StateNeedsOverride {
		t.Fatalf("expected needs-override, got %s", d.State)
	}

	req.OverrideJustification = "INR monitored twice weekly"
	d, err = s.gate.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != safety.StateApprovedWithWarnings || !d.QualityReview {
		t.Fatalf("expected approved-with-warnings under review, got %s", d.State)
	}

	rx, err := s.prescriptions.Get(ctx, uuid.MustParse(d.PrescriptionID))
	if err != nil {
		t.Fatalf("Get prescription: %v", err)
	}
	if !rx.QualityReview || rx.OverrideJustification == nil || *rx.OverrideJustification != req.OverrideJustification {
		t.Errorf("override not persisted: %+v", rx)
	}

	// The recorded warfarin is now an active medication for the patient.
	d, err = s.gate.Evaluate(ctx, safety.PrescriptionRequest{
		PatientID:  patient,
		Medication: safety.Medication{Name: "Fluconazole"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != safety.StateNeedsOverride {
		t.Errorf("expected stored warfarin to interact with fluconazole, got %s", d.State)
	}

	if _, err := s.prescriptions.Discontinue(ctx, rx.ID, "dr-1"); err != nil {
		t.Fatalf("Discontinue: %v", err)
	}
	d, err = s.gate.Evaluate(ctx, safety.PrescriptionRequest{
		PatientID:  patient,
		Medication: safety.Medication{Name: "Fluconazole"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.State != safety.StateApprovedClean {
		t.Errorf("discontinued warfarin must not be checked, got %s", d.State)
	}

	active, _, err := s.prescriptions.ListByPatient(ctx, patient, prescription.StatusActive, 10, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if len(active) != 1 || active[0].Medication.Name != "Fluconazole" {
		t.Errorf("expected only fluconazole active, got %d", len(active))
	}
}
