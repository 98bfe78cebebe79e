package prescription

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes adds the read and discontinue endpoints. Creation goes
// through the safety gate at POST /prescriptions.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("physician", "pharmacist", "nurse"))
	readGroup.GET("/prescriptions", h.ListPrescriptions)
	readGroup.GET("/prescriptions/:id", h.GetPrescription)

	writeGroup := api.Group("", auth.RequireRole("physician"))
	writeGroup.POST("/prescriptions/:id/discontinue", h.DiscontinuePrescription)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"fields": []safety.FieldError{{Field: "patient_id", Message: "is required"}},
		})
	}
	status := Status(c.QueryParam("status"))
	if status != "" && status != StatusActive && status != StatusDiscontinued {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"fields": []safety.FieldError{{Field: "status", Message: "must be active or discontinued"}},
		})
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list prescriptions failed")
	}
	if items == nil {
		items = []*Prescription{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DiscontinuePrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Discontinue(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, p)
}

func fail(err error) error {
	var verr *safety.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.Is(err, ErrAlreadyDiscontinued):
		return echo.NewHTTPError(http.StatusConflict, "prescription already discontinued")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "prescription operation failed")
}
