package alert

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/pkg/pagination"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and acknowledge - any clinical role
	readGroup := api.Group("", auth.RequireRole("physician", "pharmacist", "nurse"))
	readGroup.GET("/alerts", h.ListAlerts)
	readGroup.GET("/alerts/summary", h.GetSummary)
	readGroup.GET("/alerts/:id", h.GetAlert)
	readGroup.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)

	// Raise and dismiss - physician, pharmacist
	writeGroup := api.Group("", auth.RequireRole("physician", "pharmacist"))
	writeGroup.POST("/alerts", h.CreateAlert)
	writeGroup.POST("/alerts/:id/dismiss", h.DismissAlert)
}

func (h *Handler) CreateAlert(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return validationFailed(c, &safety.ValidationError{Fields: []safety.FieldError{{Field: "body", Message: "malformed JSON"}}})
	}
	in.Source = SourceManual
	a, err := h.mgr.Create(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAlerts(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filters{
		PatientID:      c.QueryParam("patient_id"),
		FacilityID:     c.QueryParam("facility_id"),
		OrganizationID: c.QueryParam("organization_id"),
		Status:         Status(c.QueryParam("status")),
		Type:           Type(c.QueryParam("type")),
		Severity:       safety.AlertSeverity(c.QueryParam("severity")),
		Limit:          pg.Limit,
		Offset:         pg.Offset,
	}
	verr := &safety.ValidationError{}
	if f.Status != "" && !f.Status.Valid() {
		verr.Add("status", "must be one of active, acknowledged, dismissed, expired")
	}
	if f.Type != "" && !f.Type.Valid() {
		verr.Add("type", "is not a known alert type")
	}
	if f.Severity != "" && !f.Severity.Valid() {
		verr.Add("severity", "must be one of info, warning, critical")
	}
	if err := verr.OrNil(); err != nil {
		return validationFailed(c, verr)
	}

	items, total, err := h.mgr.List(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.mgr.Summary(c.Request().Context(), c.QueryParam("organization_id"), c.QueryParam("facility_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

type acknowledgeRequest struct {
	Note string `json:"note"`
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return validationFailed(c, &safety.ValidationError{Fields: []safety.FieldError{{Field: "body", Message: "malformed JSON"}}})
	}
	ctx := c.Request().Context()
	a, err := h.mgr.Acknowledge(ctx, id, auth.UserIDFromContext(ctx), req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) DismissAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req dismissRequest
	if err := c.Bind(&req); err != nil {
		return validationFailed(c, &safety.ValidationError{Fields: []safety.FieldError{{Field: "body", Message: "malformed JSON"}}})
	}
	ctx := c.Request().Context()
	a, err := h.mgr.Dismiss(ctx, id, auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) fail(c echo.Context, err error) error {
	var verr *safety.ValidationError
	switch {
	case errors.As(err, &verr):
		return validationFailed(c, verr)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	case errors.Is(err, ErrInvalidTransition):
		return c.JSON(http.StatusConflict, map[string]string{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "alert operation failed")
}

func validationFailed(c echo.Context, verr *safety.ValidationError) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error":  "validation_failed",
		"fields": verr.Fields,
	})
}
