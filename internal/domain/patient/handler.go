package patient

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	patients   Repository
	authorizer *Authorizer
}

func NewHandler(patients Repository, authorizer *Authorizer) *Handler {
	return &Handler{patients: patients, authorizer: authorizer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	related := api.Group("/patients/:patientId", h.authorizer.Require())
	related.GET("", h.GetPatient)
	related.GET("/access", h.GetAccess)
	related.GET("/access/:permission", h.CheckPermission)
}

type patientSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DoctorID       string `json:"doctorId,omitempty"`
	CaregiverCount int    `json:"caregiverCount"`
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.patients.FindByID(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Error fetching patient").SetInternal(err)
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	}
	return c.JSON(http.StatusOK, patientSummary{
		ID:             p.ID,
		Name:           p.Name,
		DoctorID:       p.DoctorID,
		CaregiverCount: len(p.Caregivers),
	})
}

func (h *Handler) GetAccess(c echo.Context) error {
	access, ok := AccessFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "Not a caregiver for this patient")
	}
	return c.JSON(http.StatusOK, access)
}

// CheckPermission answers 200 when the caller holds the named permission and
// 403 with the missing permission otherwise.
func (h *Handler) CheckPermission(c echo.Context) error {
	perm, err := ParsePermission(c.Param("permission"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	access, ok := AccessFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "Not a caregiver for this patient")
	}
	if err := access.Check(perm); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, DenialMessage(err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patientId":  access.PatientID,
		"permission": perm.String(),
		"granted":    true,
		"basis":      access.Basis,
	})
}
