package patient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/platform/auth"
)

func samplePatient() *Patient {
	return &Patient{
		ID:       "p-1",
		Name:     "Ada",
		Email:    "Ada@Example.com",
		DoctorID: "d-1",
		Caregivers: []Caregiver{
			{Email: "mum@example.com", Relationship: RelationshipParent, Permissions: DefaultPermissions, Status: CaregiverActive},
			{Email: "gone@example.com", Relationship: RelationshipSibling, Permissions: FullPermissions, Status: CaregiverSuspended},
		},
	}
}

func TestDecideAccess(t *testing.T) {
	tests := []struct {
		name      string
		caller    auth.Caller
		required  []Permission
		wantBasis Basis
		wantErr   error
	}{
		{"doctor", auth.Caller{Email: "doc@example.com", Roles: []string{auth.RoleDoctor}}, []Permission{ViewPayments}, BasisClinician, nil},
		{"admin", auth.Caller{Email: "root@example.com", Roles: []string{auth.RoleAdmin}}, []Permission{AddVitals}, BasisClinician, nil},
		{"patient self, any case", auth.Caller{Email: "ada@example.COM", Roles: []string{auth.RolePatient}}, []Permission{ViewPayments}, BasisSelf, nil},
		{"caregiver with permission", auth.Caller{Email: "MUM@example.com", Roles: []string{auth.RoleCaregiver}}, []Permission{ViewVitals}, BasisCaregiver, nil},
		{"caregiver relationship only", auth.Caller{Email: "mum@example.com"}, nil, BasisCaregiver, nil},
		{"stranger", auth.Caller{Email: "who@example.com"}, nil, "", ErrNotCaregiver},
		{"no email", auth.Caller{}, nil, "", ErrNotCaregiver},
		{"suspended", auth.Caller{Email: "gone@example.com"}, []Permission{ViewVitals}, "", ErrCaregiverSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access, err := DecideAccess(samplePatient(), tt.caller, tt.required...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if access.Basis != tt.wantBasis {
				t.Errorf("expected basis %s, got %s", tt.wantBasis, access.Basis)
			}
			if access.PatientID != "p-1" {
				t.Errorf("expected patient p-1, got %s", access.PatientID)
			}
		})
	}
}

func TestDecideAccess_MissingPermission(t *testing.T) {
	_, err := DecideAccess(samplePatient(), auth.Caller{Email: "mum@example.com"}, ViewVitals, ViewPayments)
	var mp *MissingPermissionError
	if !errors.As(err, &mp) {
		t.Fatalf("expected MissingPermissionError, got %v", err)
	}
	if mp.Permission != ViewPayments {
		t.Errorf("expected viewPayments, got %s", mp.Permission)
	}
	if got := DenialMessage(err); got != "Missing permission 'viewPayments'" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestDenialMessage(t *testing.T) {
	if got := DenialMessage(ErrNotCaregiver); got != "Not a caregiver for this patient" {
		t.Errorf("unexpected message %q", got)
	}
	if got := DenialMessage(ErrCaregiverSuspended); got != "Caregiver access suspended" {
		t.Errorf("unexpected message %q", got)
	}
}

type mockFinder struct {
	patients map[string]*Patient
	err      error
}

func (m *mockFinder) FindByID(_ context.Context, id string) (*Patient, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.patients[id], nil
}

func newAccessContext(patientID string, caller auth.Caller) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+patientID+"/vitals", nil)
	req = req.WithContext(auth.ContextWithCaller(req.Context(), caller))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues(patientID)
	return c, rec
}

func TestAuthorizer_Require(t *testing.T) {
	finder := &mockFinder{patients: map[string]*Patient{"p-1": samplePatient()}}
	authz := NewAuthorizer(finder, nil)

	tests := []struct {
		name       string
		patientID  string
		caller     auth.Caller
		required   []Permission
		wantStatus int
		wantMsg    string
	}{
		{"caregiver allowed", "p-1", auth.Caller{Email: "mum@example.com"}, []Permission{ViewVitals}, http.StatusOK, ""},
		{"caregiver missing permission", "p-1", auth.Caller{Email: "mum@example.com"}, []Permission{AddVitals}, http.StatusForbidden, "Missing permission 'addVitals'"},
		{"suspended caregiver", "p-1", auth.Caller{Email: "gone@example.com"}, nil, http.StatusForbidden, "Caregiver access suspended"},
		{"stranger", "p-1", auth.Caller{Email: "x@example.com"}, nil, http.StatusForbidden, "Not a caregiver for this patient"},
		{"unknown patient", "p-404", auth.Caller{Email: "mum@example.com"}, nil, http.StatusNotFound, "Patient not found"},
		{"missing patient id", "", auth.Caller{Email: "mum@example.com"}, nil, http.StatusBadRequest, "Patient ID required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newAccessContext(tt.patientID, tt.caller)
			called := false
			err := authz.Require(tt.required...)(func(c echo.Context) error {
				called = true
				if _, ok := AccessFromContext(c); !ok {
					t.Error("expected access in context")
				}
				return c.NoContent(http.StatusOK)
			})(c)

			if tt.wantStatus == http.StatusOK {
				if err != nil || !called {
					t.Fatalf("expected pass-through, got err=%v called=%v", err, called)
				}
				return
			}
			if called {
				t.Fatal("handler must not run on denial")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, httpErr.Code)
			}
			if httpErr.Message != tt.wantMsg {
				t.Errorf("expected %q, got %q", tt.wantMsg, httpErr.Message)
			}
		})
	}
}

func TestAuthorizer_RequireStoreError(t *testing.T) {
	authz := NewAuthorizer(&mockFinder{err: errors.New("db down")}, nil)
	c, _ := newAccessContext("p-1", auth.Caller{Roles: []string{auth.RoleDoctor}})

	err := authz.Require()(func(c echo.Context) error { return nil })(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}
