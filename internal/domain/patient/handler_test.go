package patient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/platform/auth"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	repo := newTestRepo(t, samplePatient())
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := auth.Caller{
				Email: c.Request().Header.Get("X-Test-Email"),
				Roles: []string{c.Request().Header.Get("X-Test-Role")},
			}
			c.SetRequest(c.Request().WithContext(auth.ContextWithCaller(context.Background(), caller)))
			return next(c)
		}
	})
	NewHandler(repo, NewAuthorizer(repo, nil)).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doRequest(e *echo.Echo, path, email, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Test-Email", email)
	req.Header.Set("X-Test-Role", role)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetPatient(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, "/api/v1/patients/p-1", "mum@example.com", auth.RoleCaregiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got patientSummary
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != "p-1" || got.CaregiverCount != 2 {
		t.Errorf("unexpected summary %+v", got)
	}

	rec = doRequest(e, "/api/v1/patients/p-1", "stranger@example.com", auth.RoleCaregiver)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for stranger, got %d", rec.Code)
	}
}

func TestHandler_GetAccess(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, "/api/v1/patients/p-1/access", "mum@example.com", auth.RoleCaregiver)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Access
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Basis != BasisCaregiver || got.Permissions != DefaultPermissions {
		t.Errorf("unexpected access %+v", got)
	}
}

func TestHandler_CheckPermission(t *testing.T) {
	e := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		email      string
		role       string
		wantStatus int
	}{
		{"granted", "/api/v1/patients/p-1/access/viewVitals", "mum@example.com", auth.RoleCaregiver, http.StatusOK},
		{"not granted", "/api/v1/patients/p-1/access/viewPayments", "mum@example.com", auth.RoleCaregiver, http.StatusForbidden},
		{"patient self", "/api/v1/patients/p-1/access/viewPayments", "ada@example.com", auth.RolePatient, http.StatusOK},
		{"doctor", "/api/v1/patients/p-1/access/addVitals", "doc@example.com", auth.RoleDoctor, http.StatusOK},
		{"unknown permission", "/api/v1/patients/p-1/access/fly", "mum@example.com", auth.RoleCaregiver, http.StatusBadRequest},
		{"unknown patient", "/api/v1/patients/p-9/access/viewVitals", "doc@example.com", auth.RoleDoctor, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, tt.path, tt.email, tt.role)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}
