package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/redact"
)

// GateState is the terminal state of one prescription evaluation.
type GateState string

const (
	StateBlocked              GateState = "blocked"
	StateNeedsOverride        GateState = "needs-override"
	StateApprovedWithWarnings GateState = "approved-with-warnings"
	StateApprovedClean        GateState = "approved-clean"
)

// Approved reports whether the prescription may proceed.
func (s GateState) Approved() bool {
	return s == StateApprovedWithWarnings || s == StateApprovedClean
}

// DegradedPolicy decides what the gate does when a safety check could not
// produce an answer.
type DegradedPolicy string

const (
	// DegradedOverride requires an explicit override justification and
	// flags the prescription for quality review.
	DegradedOverride DegradedPolicy = "override"
	// DegradedBlock refuses the prescription outright.
	DegradedBlock DegradedPolicy = "block"
)

func ParseDegradedPolicy(s string) (DegradedPolicy, error) {
	switch p := DegradedPolicy(normalizeLabel(s)); p {
	case "":
		return DegradedOverride, nil
	case DegradedOverride, DegradedBlock:
		return p, nil
	}
	return "", fmt.Errorf("unknown degraded safety policy %q", s)
}

const DefaultCheckTimeout = 2 * time.Second

// The checks the gate runs. Each is satisfied by the matching checker type.
type (
	InteractionCheck interface {
		Check(ctx context.Context, meds []Medication) (InteractionResult, error)
	}
	AllergyCheck interface {
		Check(ctx context.Context, meds []Medication, allergies []Allergy) (AllergyResult, error)
	}
	ContraindicationCheck interface {
		Check(ctx context.Context, meds []Medication, conditions []Condition) (ContraindicationResult, error)
	}
	DoseCheck interface {
		Validate(ctx context.Context, meds []Medication, patient PatientContext) (DoseResult, error)
	}
)

// Checkers bundles the four safety checks.
type Checkers struct {
	Interactions      InteractionCheck
	Allergies         AllergyCheck
	Contraindications ContraindicationCheck
	Doses             DoseCheck
}

// NewCheckers wires the four reference-backed checkers to one store.
func NewCheckers(store ReferenceStore, cache InteractionCache) Checkers {
	return Checkers{
		Interactions:      NewInteractionChecker(store, cache),
		Allergies:         NewAllergyChecker(store),
		Contraindications: NewContraindicationChecker(store),
		Doses:             NewDoseValidator(store),
	}
}

// ApprovedPrescription is handed to the PrescriptionRecorder once the gate
// approves.
type ApprovedPrescription struct {
	PatientID             string
	PrescriberID          string
	Medication            Medication
	State                 GateState
	RiskScore             int
	RiskLevel             RiskLevel
	QualityReview         bool
	OverrideJustification string
	Degraded              bool
	UnavailableChecks     []string
}

// PrescriptionRecorder persists approved prescriptions and supplies the
// patient's active medications.
type PrescriptionRecorder interface {
	Record(ctx context.Context, rx ApprovedPrescription) (string, error)
	ActiveMedications(ctx context.Context, patientID string) ([]Medication, error)
}

// VerdictAlert describes a risk-triggered alert for the AlertRaiser.
type VerdictAlert struct {
	PatientID         string
	FacilityID        string
	OrganizationID    string
	Medication        Medication
	Verdict           RiskVerdict
	State             GateState
	Degraded          bool
	UnavailableChecks []string
}

// AlertRaiser turns a verdict into a persisted clinical alert.
type AlertRaiser interface {
	RaiseForVerdict(ctx context.Context, in VerdictAlert) (string, error)
}

// Assessment is the joined output of the four checkers plus the verdict.
type Assessment struct {
	Interactions      InteractionResult      `json:"interactions"`
	Allergies         AllergyResult          `json:"allergyAlerts"`
	Contraindications ContraindicationResult `json:"contraindications"`
	Doses             DoseResult             `json:"doseValidation"`
	Verdict           RiskVerdict            `json:"overallRisk"`
	Degraded          bool                   `json:"degraded"`
	UnavailableChecks []string               `json:"unavailableChecks"`
}

// PrescriptionRequest is one attempt to prescribe a medication.
type PrescriptionRequest struct {
	PatientID             string
	FacilityID            string
	OrganizationID        string
	PrescriberID          string
	Medication            Medication
	ActiveMedications     []Medication
	Patient               PatientContext
	OverrideJustification string
}

// Decision is the gate's answer to a PrescriptionRequest.
type Decision struct {
	State             GateState   `json:"state"`
	Assessment        *Assessment `json:"assessment"`
	RequiresOverride  bool        `json:"requiresOverride"`
	Degraded          bool        `json:"degraded"`
	UnavailableChecks []string    `json:"unavailableChecks"`
	QualityReview     bool        `json:"qualityReview"`
	OverrideApplied   bool        `json:"overrideApplied"`
	Warnings          []string    `json:"warnings,omitempty"`
	PrescriptionID    string      `json:"prescriptionId,omitempty"`
	AlertID           string      `json:"alertId,omitempty"`

	overrideJustification string
}

// GateConfig tunes the gate.
type GateConfig struct {
	CheckTimeout   time.Duration
	DegradedPolicy DegradedPolicy
}

// GateDeps are the gate's collaborators. Only Checkers is required.
type GateDeps struct {
	Checkers      Checkers
	Prescriptions PrescriptionRecorder
	Alerts        AlertRaiser
	Events        *events.Emitter
	Metrics       *metrics.Collector
	Redactor      *redact.Redactor
	Logger        zerolog.Logger
}

// Gate is the prescribing decision point: it runs the four checks
// concurrently, aggregates them and applies the block and override policy.
type Gate struct {
	deps GateDeps
	cfg  GateConfig
}

func NewGate(deps GateDeps, cfg GateConfig) *Gate {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.DegradedPolicy == "" {
		cfg.DegradedPolicy = DegradedOverride
	}
	return &Gate{deps: deps, cfg: cfg}
}

// Policy returns the configured degraded-safety policy.
func (g *Gate) Policy() DegradedPolicy { return g.cfg.DegradedPolicy }

// runCheck runs fn with its own timeout. Panics and timeouts come back as
// errors, and a result arriving after the timeout is abandoned.
func runCheck[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if r := panics.Try(func() { o.v, o.err = fn(ctx) }); r != nil {
			o.err = r.AsError()
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Assess runs the four checkers concurrently against one snapshot and joins
// on all of them before aggregating. A check that fails is reported in
// UnavailableChecks; its empty result never counts as "no risk".
func (g *Gate) Assess(ctx context.Context, meds []Medication, patient PatientContext) *Assessment {
	a := &Assessment{}
	var errs [4]error
	var durations [4]time.Duration
	timeout := g.cfg.CheckTimeout
	checks := g.deps.Checkers

	timed := func(i int, fn func()) func() {
		return func() {
			start := time.Now()
			fn()
			durations[i] = time.Since(start)
		}
	}

	var wg conc.WaitGroup
	wg.Go(timed(0, func() {
		a.Interactions, errs[0] = runCheck(ctx, timeout, func(ctx context.Context) (InteractionResult, error) {
			return checks.Interactions.Check(ctx, meds)
		})
	}))
	wg.Go(timed(1, func() {
		a.Allergies, errs[1] = runCheck(ctx, timeout, func(ctx context.Context) (AllergyResult, error) {
			return checks.Allergies.Check(ctx, meds, patient.Allergies)
		})
	}))
	wg.Go(timed(2, func() {
		a.Contraindications, errs[2] = runCheck(ctx, timeout, func(ctx context.Context) (ContraindicationResult, error) {
			return checks.Contraindications.Check(ctx, meds, patient.Conditions)
		})
	}))
	wg.Go(timed(3, func() {
		a.Doses, errs[3] = runCheck(ctx, timeout, func(ctx context.Context) (DoseResult, error) {
			return checks.Doses.Validate(ctx, meds, patient)
		})
	}))
	wg.Wait()

	names := [4]string{CheckInteractions, CheckAllergies, CheckContraindications, CheckDoses}
	a.UnavailableChecks = []string{}
	for i, err := range errs {
		g.deps.Metrics.ObserveCheck(names[i], durations[i], err != nil)
		if err == nil {
			continue
		}
		a.UnavailableChecks = append(a.UnavailableChecks, names[i])
		g.deps.Logger.Error().Err(err).Str("check", names[i]).Msg("safety check unavailable")
	}
	a.Degraded = len(a.UnavailableChecks) > 0

	// Empty-valued results from failed checks still need non-nil slices.
	if a.Interactions.Interactions == nil {
		a.Interactions = emptyInteractionResult()
	}
	if a.Allergies.Alerts == nil {
		a.Allergies.Alerts = []AllergyAlert{}
	}
	if a.Contraindications.Contraindications == nil {
		a.Contraindications.Contraindications = []Contraindication{}
	}
	if a.Doses.Validations == nil {
		a.Doses.Validations = []DoseValidation{}
	}

	a.Verdict = Aggregate(a.Interactions, a.Allergies, a.Contraindications, a.Doses)
	return a
}

// Evaluate runs one prescribing attempt through the gate. It returns a
// *ValidationError for malformed requests and a plain error only when an
// approved prescription could not be recorded.
func (g *Gate) Evaluate(ctx context.Context, req PrescriptionRequest) (*Decision, error) {
	if err := validatePrescription(req); err != nil {
		return nil, err
	}
	log := g.deps.Logger.With().Str("patient_ref", g.deps.Redactor.Ref(req.PatientID)).Logger()

	meds, activeErr := g.medicationList(ctx, req)
	a := g.Assess(ctx, meds, req.Patient)
	if activeErr != nil {
		log.Error().Err(activeErr).Msg("active medications unavailable")
		a.UnavailableChecks = append(a.UnavailableChecks, "active-medications")
		a.Degraded = true
	}

	d := g.decide(a, req.OverrideJustification)
	g.deps.Metrics.ObserveGate(string(d.State), d.Degraded)
	log.Info().
		Str("state", string(d.State)).
		Int("score", a.Verdict.Score).
		Str("level", string(a.Verdict.Level)).
		Bool("degraded", d.Degraded).
		Msg("prescription gate decision")

	if d.State.Approved() && g.deps.Prescriptions != nil {
		id, err := g.deps.Prescriptions.Record(ctx, ApprovedPrescription{
			PatientID:             req.PatientID,
			PrescriberID:          req.PrescriberID,
			Medication:            req.Medication,
			State:                 d.State,
			RiskScore:             a.Verdict.Score,
			RiskLevel:             a.Verdict.Level,
			QualityReview:         d.QualityReview,
			OverrideJustification: overrideText(d),
			Degraded:              d.Degraded,
			UnavailableChecks:     d.UnavailableChecks,
		})
		if err != nil {
			return nil, fmt.Errorf("record prescription: %w", err)
		}
		d.PrescriptionID = id
		g.deps.Events.Emit(ctx, events.New(events.PrescriptionCreated, id, map[string]interface{}{
			"prescriptionId": id,
			"state":          d.State,
			"riskScore":      a.Verdict.Score,
			"riskLevel":      a.Verdict.Level,
			"qualityReview":  d.QualityReview,
			"degraded":       d.Degraded,
		}))
	}

	if g.shouldAlert(d) && g.deps.Alerts != nil {
		id, err := g.deps.Alerts.RaiseForVerdict(ctx, VerdictAlert{
			PatientID:         req.PatientID,
			FacilityID:        req.FacilityID,
			OrganizationID:    req.OrganizationID,
			Medication:        req.Medication,
			Verdict:           a.Verdict,
			State:             d.State,
			Degraded:          d.Degraded,
			UnavailableChecks: d.UnavailableChecks,
		})
		if err != nil {
			log.Error().Err(err).Msg("raise risk alert failed")
		} else {
			d.AlertID = id
		}
	}
	return d, nil
}

func overrideText(d *Decision) string {
	if !d.OverrideApplied {
		return ""
	}
	return d.overrideJustification
}

// decide applies the block and override policy. It is pure.
func (g *Gate) decide(a *Assessment, justification string) *Decision {
	justification = strings.TrimSpace(justification)
	v := a.Verdict
	d := &Decision{
		Assessment:        a,
		Degraded:          a.Degraded,
		UnavailableChecks: a.UnavailableChecks,
	}
	needsOverride := v.RequiresOverride || (a.Degraded && g.cfg.DegradedPolicy == DegradedOverride)

	switch {
	case v.BlocksAdministration:
		d.State = StateBlocked
	case a.Degraded && g.cfg.DegradedPolicy == DegradedBlock:
		d.State = StateBlocked
	case needsOverride && justification == "":
		d.State = StateNeedsOverride
		d.RequiresOverride = true
	case needsOverride:
		d.State = StateApprovedWithWarnings
		d.RequiresOverride = true
		d.QualityReview = true
		d.OverrideApplied = true
		d.overrideJustification = justification
		d.Warnings = warningsFor(a)
	case v.Level == RiskMedium:
		d.State = StateApprovedWithWarnings
		d.Warnings = warningsFor(a)
	default:
		d.State = StateApprovedClean
	}
	return d
}

// shouldAlert: approved outcomes at medium risk or above, degraded
// approvals, and every block.
func (g *Gate) shouldAlert(d *Decision) bool {
	switch {
	case d.State == StateBlocked:
		return true
	case d.State.Approved():
		return d.Degraded || d.Assessment.Verdict.Level.Rank() >= RiskMedium.Rank()
	}
	return false
}

func (g *Gate) medicationList(ctx context.Context, req PrescriptionRequest) ([]Medication, error) {
	var stored []Medication
	var err error
	if g.deps.Prescriptions != nil {
		stored, err = g.deps.Prescriptions.ActiveMedications(ctx, req.PatientID)
	}
	seen := make(map[string]bool)
	var meds []Medication
	add := func(m Medication) {
		k := m.Key()
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		meds = append(meds, m)
	}
	add(req.Medication)
	for _, m := range req.ActiveMedications {
		add(m)
	}
	for _, m := range stored {
		add(m)
	}
	return meds, err
}

func validatePrescription(req PrescriptionRequest) error {
	verr := &ValidationError{}
	if strings.TrimSpace(req.PatientID) == "" {
		verr.Add("patientId", "is required")
	}
	if NormalizeName(req.Medication.Name) == "" {
		verr.Add("medication.name", "is required")
	}
	if req.Medication.Dose < 0 {
		verr.Add("medication.dose", "must not be negative")
	}
	validateDosing("medication", req.Medication, verr)
	for i, m := range req.ActiveMedications {
		validateDosing(fmt.Sprintf("activeMedications[%d]", i), m, verr)
	}
	return verr.OrNil()
}

func warningsFor(a *Assessment) []string {
	var out []string
	for _, f := range a.Verdict.Findings {
		out = append(out, f.Summary())
	}
	for _, c := range a.UnavailableChecks {
		out = append(out, c+" check unavailable; result not verified")
	}
	return out
}

// IsUnavailable reports whether err means a safety check could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrSafetyCheckUnavailable)
}
