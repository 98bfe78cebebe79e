package safety

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/internal/platform/middleware"
)

const (
	maxMedications            = 50
	maxInteractionMedications = 20
)

// AbsoluteLookup serves standalone absolute-contraindication queries.
type AbsoluteLookup interface {
	AbsoluteFor(ctx context.Context, medication string) ([]Contraindication, error)
}

type Handler struct {
	gate     *Gate
	checks   Checkers
	absolute AbsoluteLookup
}

func NewHandler(gate *Gate, checks Checkers, absolute AbsoluteLookup) *Handler {
	return &Handler{gate: gate, checks: checks, absolute: absolute}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Checks - any clinical role
	checkGroup := api.Group("", auth.RequireRole("physician", "pharmacist", "nurse"))
	checkGroup.POST("/medication-safety/check", h.CheckMedicationSafety)
	checkGroup.POST("/drug-interactions/check", h.CheckInteractions)
	checkGroup.POST("/allergy-alerts/check", h.CheckAllergies)
	checkGroup.POST("/contraindications/check", h.CheckContraindications)
	checkGroup.POST("/dose-validation/validate", h.ValidateDoses)
	checkGroup.GET("/contraindications/medication/:name/absolute", h.GetAbsoluteContraindications)

	// Prescribing - prescribers only
	rxGroup := api.Group("", auth.RequireRole("physician"))
	rxGroup.POST("/prescriptions", h.Prescribe)
}

// patientFields is the flattened patient snapshot accepted by the check and
// prescribe endpoints.
type patientFields struct {
	PatientID       string      `json:"patientId"`
	Allergies       []Allergy   `json:"allergies"`
	Conditions      []Condition `json:"conditions"`
	PatientAge      *float64    `json:"patientAge"`
	PatientWeight   *float64    `json:"patientWeight"`
	RenalFunction   *float64    `json:"renalFunction"`
	HepaticFunction string      `json:"hepaticFunction"`
}

func (p patientFields) toContext(verr *ValidationError) PatientContext {
	pc := PatientContext{
		Allergies:     validAllergies(p.Allergies, verr),
		Conditions:    validConditions(p.Conditions, verr),
		AgeYears:      p.PatientAge,
		WeightKg:      p.PatientWeight,
		RenalFunction: p.RenalFunction,
	}
	if p.PatientAge != nil && (*p.PatientAge < 0 || *p.PatientAge > 150) {
		verr.Add("patientAge", "must be between 0 and 150")
	}
	if p.PatientWeight != nil && (*p.PatientWeight <= 0 || *p.PatientWeight > 700) {
		verr.Add("patientWeight", "must be greater than 0 and at most 700")
	}
	if p.RenalFunction != nil && *p.RenalFunction < 0 {
		verr.Add("renalFunction", "must not be negative")
	}
	hf, err := ParseHepaticFunction(p.HepaticFunction)
	if err != nil {
		verr.Add("hepaticFunction", "must be one of normal, mild, moderate, severe")
	}
	pc.HepaticFunction = hf
	return pc
}

func validAllergies(in []Allergy, verr *ValidationError) []Allergy {
	out := make([]Allergy, 0, len(in))
	for i, a := range in {
		if NormalizeName(a.Allergen) == "" {
			verr.Add(fmt.Sprintf("allergies[%d].allergen", i), "is required")
			continue
		}
		if a.Severity != "" {
			sev, err := ParseAllergySeverity(string(a.Severity))
			if err != nil {
				verr.Add(fmt.Sprintf("allergies[%d].severity", i), "must be one of mild, moderate, severe, life-threatening")
				continue
			}
			a.Severity = sev
		}
		out = append(out, a)
	}
	return out
}

func validConditions(in []Condition, verr *ValidationError) []Condition {
	for i, c := range in {
		if strings.TrimSpace(c.Code) == "" && NormalizeName(c.Name) == "" {
			verr.Add(fmt.Sprintf("conditions[%d]", i), "code or name is required")
		}
	}
	return in
}

func validateMedications(field string, meds []Medication, lo, hi int, verr *ValidationError) {
	if len(meds) < lo || len(meds) > hi {
		verr.Add(field, fmt.Sprintf("must contain between %d and %d items", lo, hi))
	}
	for i, m := range meds {
		validateMedication(fmt.Sprintf("%s[%d]", field, i), m, verr)
	}
}

func validateMedication(field string, m Medication, verr *ValidationError) {
	if NormalizeName(m.Name) == "" {
		verr.Add(field+".name", "is required")
	}
	if m.Dose < 0 {
		verr.Add(field+".dose", "must not be negative")
	}
	validateDosing(field, m, verr)
}

// validationFailed writes the structured 400 body.
func validationFailed(c echo.Context, verr *ValidationError) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error":  "validation_failed",
		"fields": verr.Fields,
	})
}

// bind decodes the body without echoing decoder text, which may quote
// submitted values.
func bind(c echo.Context, v interface{}) *ValidationError {
	if err := c.Bind(v); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "malformed JSON"}}}
	}
	return nil
}

// checkFailed maps a checker error onto the response.
func checkFailed(c echo.Context, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error": "safety_check_unavailable",
			"check": ue.Check,
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "safety check failed")
}

type safetyCheckRequest struct {
	patientFields
	Medications []Medication `json:"medications"`
}

func (h *Handler) CheckMedicationSafety(c echo.Context) error {
	var req safetyCheckRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	validateMedications("medications", req.Medications, 1, maxMedications, verr)
	middleware.SetAuditPatient(c, req.PatientID)
	pc := req.toContext(verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}
	return c.JSON(http.StatusOK, h.gate.Assess(c.Request().Context(), req.Medications, pc))
}

type interactionCheckRequest struct {
	Medications []Medication `json:"medications"`
}

func (h *Handler) CheckInteractions(c echo.Context) error {
	var req interactionCheckRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	validateMedications("medications", req.Medications, 2, maxInteractionMedications, verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}
	res, err := h.checks.Interactions.Check(c.Request().Context(), req.Medications)
	if err != nil {
		return checkFailed(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type allergyCheckRequest struct {
	Medications []Medication `json:"medications"`
	Allergies   []Allergy    `json:"allergies"`
}

func (h *Handler) CheckAllergies(c echo.Context) error {
	var req allergyCheckRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	validateMedications("medications", req.Medications, 1, maxMedications, verr)
	allergies := validAllergies(req.Allergies, verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}
	res, err := h.checks.Allergies.Check(c.Request().Context(), req.Medications, allergies)
	if err != nil {
		return checkFailed(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type contraindicationCheckRequest struct {
	Medications []Medication `json:"medications"`
	Conditions  []Condition  `json:"conditions"`
}

func (h *Handler) CheckContraindications(c echo.Context) error {
	var req contraindicationCheckRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	validateMedications("medications", req.Medications, 1, maxMedications, verr)
	conditions := validConditions(req.Conditions, verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}
	res, err := h.checks.Contraindications.Check(c.Request().Context(), req.Medications, conditions)
	if err != nil {
		return checkFailed(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ValidateDoses(c echo.Context) error {
	var req safetyCheckRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	validateMedications("medications", req.Medications, 1, maxMedications, verr)
	middleware.SetAuditPatient(c, req.PatientID)
	pc := req.toContext(verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}
	res, err := h.checks.Doses.Validate(c.Request().Context(), req.Medications, pc)
	if err != nil {
		return checkFailed(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetAbsoluteContraindications(c echo.Context) error {
	name := c.Param("name")
	if NormalizeName(name) == "" {
		return validationFailed(c, &ValidationError{Fields: []FieldError{{Field: "name", Message: "is required"}}})
	}
	res, err := h.absolute.AbsoluteFor(c.Request().Context(), name)
	if err != nil {
		return checkFailed(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"medication":        name,
		"contraindications": res,
	})
}

type prescribeRequest struct {
	patientFields
	FacilityID        string       `json:"facilityId"`
	OrganizationID    string       `json:"organizationId"`
	Medication        Medication   `json:"medication"`
	ActiveMedications []Medication `json:"activeMedications"`
	OverrideReason    string       `json:"overrideReason"`
}

// Prescribe runs the prescription gate. Blocked answers 403 (503 when the
// block comes from the degraded-safety policy), NeedsOverride answers 400
// and an approval answers 201.
func (h *Handler) Prescribe(c echo.Context) error {
	var req prescribeRequest
	if verr := bind(c, &req); verr != nil {
		return validationFailed(c, verr)
	}
	verr := &ValidationError{}
	if strings.TrimSpace(req.PatientID) == "" {
		verr.Add("patientId", "is required")
	}
	validateMedication("medication", req.Medication, verr)
	if len(req.ActiveMedications) > maxMedications {
		verr.Add("activeMedications", fmt.Sprintf("must contain at most %d items", maxMedications))
	}
	for i, m := range req.ActiveMedications {
		validateMedication(fmt.Sprintf("activeMedications[%d]", i), m, verr)
	}
	middleware.SetAuditPatient(c, req.PatientID)
	pc := req.toContext(verr)
	if verr.OrNil() != nil {
		return validationFailed(c, verr)
	}

	ctx := c.Request().Context()
	d, err := h.gate.Evaluate(ctx, PrescriptionRequest{
		PatientID:             req.PatientID,
		FacilityID:            req.FacilityID,
		OrganizationID:        req.OrganizationID,
		PrescriberID:          auth.UserIDFromContext(ctx),
		Medication:            req.Medication,
		ActiveMedications:     req.ActiveMedications,
		Patient:               pc,
		OverrideJustification: req.OverrideReason,
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return validationFailed(c, ve)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "prescription could not be recorded")
	}

	switch d.State {
	case StateBlocked:
		if d.Degraded && !d.Assessment.Verdict.BlocksAdministration {
			return c.JSON(http.StatusServiceUnavailable, d)
		}
		return c.JSON(http.StatusForbidden, d)
	case StateNeedsOverride:
		return c.JSON(http.StatusBadRequest, d)
	default:
		return c.JSON(http.StatusCreated, d)
	}
}
