package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/redact"
)

// auditPatientKey is the echo context key handlers use to name the patient
// whose data a request touched when it is only known from the body.
const auditPatientKey = "audit_patient_id"

// SetAuditPatient records the patient a request touched for the audit log.
func SetAuditPatient(c echo.Context, patientID string) {
	if patientID != "" {
		c.Set(auditPatientKey, patientID)
	}
}

// AuditEntry is one PHI access. PatientRef is the redacted reference, never
// the raw identifier.
type AuditEntry struct {
	UserID     string    `json:"userId"`
	UserRoles  []string  `json:"userRoles"`
	Resource   string    `json:"resource"`
	PatientRef string    `json:"patientRef,omitempty"`
	Action     string    `json:"action"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	IPAddress  string    `json:"ipAddress"`
	RequestID  string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditRecorder persists audit entries beyond the log line.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// EventRecorder publishes audit entries as phi.accessed domain events.
type EventRecorder struct {
	Emitter *events.Emitter
}

func (r EventRecorder) RecordAccess(ctx context.Context, entry AuditEntry) error {
	r.Emitter.Emit(ctx, events.New(events.PHIAccessed, entry.RequestID, entry))
	return nil
}

// Audit logs every /api/v1 request as a PHI access. Patient identifiers are
// replaced with redactor references before they reach the log or recorder.
func Audit(logger zerolog.Logger, redactor *redact.Redactor, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resourceFromPath(req.URL.Path),
				PatientRef: redactor.Ref(patientFrom(c)),
				Action:     actionFor(req.Method),
				Path:       routeOrPath(c),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				RequestID:  RequestIDFrom(c),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(context.WithoutCancel(ctx), entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_ref", entry.PatientRef).
				Str("action", entry.Action).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func actionFor(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath returns the first segment after /api/v1/.
func resourceFromPath(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/v1/"), "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

func patientFrom(c echo.Context) string {
	if id, ok := c.Get(auditPatientKey).(string); ok {
		return id
	}
	return c.QueryParam("patient_id")
}

// routeOrPath prefers the route template so alert and prescription IDs stay
// out of the audit path.
func routeOrPath(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}
