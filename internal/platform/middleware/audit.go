package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthbridge/healthbridge/internal/platform/auth"
)

// AuditEntry records who touched which patient or invitation, and the outcome.
type AuditEntry struct {
	Timestamp    time.Time
	RequestID    string
	UserID       string
	Email        string
	Roles        []string
	Resource     string
	PatientID    string
	InvitationID string
	Action       string
	Method       string
	Route        string
	IPAddress    string
	StatusCode   int
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits a "phi_access" event for every /api/v1 request after the handler
// runs, and forwards it to recorder when one is given.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			caller := auth.CallerFromContext(req.Context())
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				UserID:       caller.UserID,
				Email:        caller.Email,
				Roles:        caller.Roles,
				Resource:     resourceFromPath(req.URL.Path),
				PatientID:    c.Param("patientId"),
				InvitationID: c.Param("id"),
				Action:       methodToAction(req.Method),
				Method:       req.Method,
				Route:        c.Path(),
				IPAddress:    c.RealIP(),
				StatusCode:   responseStatus(c, err),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("email", entry.Email).
				Strs("roles", entry.Roles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("invitation_id", entry.InvitationID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func methodToAction(method string) string {
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

// resourceFromPath returns the first segment after /api/v1/, or the second
// when the first is the patients collection and a sub-resource follows:
//
//	/api/v1/caregivers/invitations/:id   -> caregivers
//	/api/v1/patients/:id/caregivers      -> caregivers
//	/api/v1/patients/:id                 -> patients
func resourceFromPath(path string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown"
	}
	if segments[0] == "patients" && len(segments) >= 3 {
		return segments[2]
	}
	return segments[0]
}
