package patient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/platform/auth"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
)

// Basis records why a caller was let through to a patient's data.
type Basis string

const (
	BasisClinician Basis = "clinician"
	BasisSelf      Basis = "self"
	BasisCaregiver Basis = "caregiver"
)

// Access is a resolved grant on one patient.
type Access struct {
	PatientID   string        `json:"patientId"`
	Basis       Basis         `json:"basis"`
	Permissions PermissionSet `json:"permissions"`
}

var (
	ErrNotCaregiver       = errors.New("not a caregiver for this patient")
	ErrCaregiverSuspended = errors.New("caregiver access suspended")
)

type MissingPermissionError struct {
	Permission Permission
}

func (e *MissingPermissionError) Error() string {
	return fmt.Sprintf("missing permission '%s'", e.Permission)
}

// Check returns a *MissingPermissionError if perm is not granted.
func (a Access) Check(perm Permission) error {
	if !a.Permissions.Has(perm) {
		return &MissingPermissionError{Permission: perm}
	}
	return nil
}

// DecideAccess is the authorization rule for patient-owned data. Doctors and
// admins always pass, as does the patient. Anyone else needs an active
// caregiver entry holding every required permission.
func DecideAccess(p *Patient, caller auth.Caller, required ...Permission) (Access, error) {
	if caller.IsClinician() {
		return Access{PatientID: p.ID, Basis: BasisClinician, Permissions: FullPermissions}, nil
	}
	if p.IsOwner(caller.Email) {
		return Access{PatientID: p.ID, Basis: BasisSelf, Permissions: FullPermissions}, nil
	}

	i := p.FindCaregiver(caller.Email)
	if caller.Email == "" || i < 0 {
		return Access{}, ErrNotCaregiver
	}
	cg := p.Caregivers[i]
	if cg.Status == CaregiverSuspended {
		return Access{}, ErrCaregiverSuspended
	}

	access := Access{PatientID: p.ID, Basis: BasisCaregiver, Permissions: cg.Permissions}
	for _, perm := range required {
		if err := access.Check(perm); err != nil {
			return Access{}, err
		}
	}
	return access, nil
}

// DenialMessage is the client-facing text for an error from DecideAccess.
func DenialMessage(err error) string {
	var mp *MissingPermissionError
	switch {
	case errors.As(err, &mp):
		return fmt.Sprintf("Missing permission '%s'", mp.Permission)
	case errors.Is(err, ErrCaregiverSuspended):
		return "Caregiver access suspended"
	default:
		return "Not a caregiver for this patient"
	}
}

func outcome(access Access, err error) string {
	var mp *MissingPermissionError
	switch {
	case err == nil:
		return "allow_" + string(access.Basis)
	case errors.As(err, &mp):
		return "deny_permission"
	case errors.Is(err, ErrCaregiverSuspended):
		return "deny_suspended"
	default:
		return "deny_not_caregiver"
	}
}

// Finder is the read side of Repository the authorizer needs.
type Finder interface {
	FindByID(ctx context.Context, id string) (*Patient, error)
}

const accessContextKey = "patient_access"

// Authorizer builds echo middleware guarding /patients/:patientId routes.
type Authorizer struct {
	patients Finder
	metrics  *metrics.CaregiverMetrics
}

func NewAuthorizer(patients Finder, m *metrics.CaregiverMetrics) *Authorizer {
	return &Authorizer{patients: patients, metrics: m}
}

// Require admits the request when DecideAccess allows the caller on the
// :patientId patient with every listed permission. With no permissions it
// checks the relationship only. The grant is stored for AccessFromContext.
func (a *Authorizer) Require(required ...Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			patientID := c.Param("patientId")
			if patientID == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "Patient ID required")
			}

			ctx := c.Request().Context()
			p, err := a.patients.FindByID(ctx, patientID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "Error checking permissions").SetInternal(err)
			}
			if p == nil {
				a.metrics.AccessDecision("not_found")
				return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
			}

			access, err := DecideAccess(p, auth.CallerFromContext(ctx), required...)
			a.metrics.AccessDecision(outcome(access, err))
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, DenialMessage(err))
			}

			c.Set(accessContextKey, access)
			return next(c)
		}
	}
}

// AccessFromContext returns the grant stored by Authorizer.Require.
func AccessFromContext(c echo.Context) (Access, bool) {
	access, ok := c.Get(accessContextKey).(Access)
	return access, ok
}
