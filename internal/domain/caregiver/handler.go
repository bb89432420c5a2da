package caregiver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/domain/patient"
	"github.com/healthbridge/healthbridge/internal/platform/auth"
	"github.com/healthbridge/healthbridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the invitation and caregiver endpoints. tokenLimit
// throttles invite token lookups and may be nil.
func (h *Handler) RegisterRoutes(api *echo.Group, tokenLimit echo.MiddlewareFunc) {
	inv := api.Group("/caregivers/invitations")
	inv.POST("", h.CreateInvitation, auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	inv.GET("/pending", h.GetPendingInvitations)
	inv.GET("/pending-approval", h.GetPendingApprovals, auth.RequireRole(auth.RoleDoctor))
	inv.GET("/patient/:patientId", h.GetPatientInvitations)
	tokenMW := []echo.MiddlewareFunc{}
	if tokenLimit != nil {
		tokenMW = append(tokenMW, tokenLimit)
	}
	inv.GET("/token/:token", h.GetInvitationByToken, tokenMW...)
	inv.GET("/:id", h.GetInvitation)
	inv.POST("/:id/accept", h.AcceptInvitation)
	inv.POST("/:id/reject", h.RejectInvitation)
	inv.DELETE("/:id", h.CancelInvitation)
	inv.PUT("/:id/approve", h.ApproveInvitation, auth.RequireRole(auth.RoleDoctor))

	cg := api.Group("/patients/:patientId/caregivers")
	cg.GET("", h.GetPatientCaregivers)
	cg.PUT("/:email/permissions", h.UpdateCaregiverPermissions)
	cg.DELETE("/:email", h.RemoveCaregiver)
}

type validationBody struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// mapError converts service errors into HTTP errors.
func mapError(err error) error {
	var de *Error
	if !errors.As(err, &de) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	switch de.Kind {
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, de.Message)
	case KindConflict:
		return echo.NewHTTPError(http.StatusConflict, de.Message)
	case KindPendingApproval:
		return echo.NewHTTPError(http.StatusForbidden, de.Message)
	case KindExpired:
		return echo.NewHTTPError(http.StatusGone, de.Message)
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, validationBody{Message: de.Message, Errors: de.Fields})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, de.Message)
	}
}

func callerOf(c echo.Context) auth.Caller {
	return auth.CallerFromContext(c.Request().Context())
}

// managesPatient reports whether the caller may act for the patient:
// clinicians always, patients only for their own record.
func managesPatient(caller auth.Caller, patientID string) bool {
	if caller.IsClinician() {
		return true
	}
	return caller.HasRole(auth.RolePatient) && caller.PatientID != "" && caller.PatientID == patientID
}

// isAddressee reports whether the caller is the invited caregiver.
func isAddressee(caller auth.Caller, inv *Invitation) bool {
	return caller.EmailMatches(inv.CaregiverEmail)
}

func forbidden(msg string) error {
	return echo.NewHTTPError(http.StatusForbidden, msg)
}

// bindBody decodes the request body. Type mismatches are reported against
// the offending field like any other validation failure.
func bindBody(c echo.Context, v interface{}) error {
	err := c.Bind(v)
	if err == nil {
		return nil
	}
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		field := ute.Field
		if field == "" {
			field = "body"
		}
		return mapError(invalidField(field, typeMessage(ute.Type)))
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusUnsupportedMediaType {
		return he
	}
	return mapError(invalidField("body", "must be a valid JSON object"))
}

func typeMessage(t reflect.Type) string {
	if t == nil {
		return "has an invalid type"
	}
	if t == reflect.TypeOf(FlexibleID("")) {
		return "must be a string or number"
	}
	switch t.Kind() {
	case reflect.String:
		return "must be a string"
	case reflect.Bool:
		return "must be a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "must be a number"
	case reflect.Slice, reflect.Array:
		return "must be an array"
	case reflect.Struct, reflect.Map:
		return "must be an object"
	case reflect.Ptr:
		return typeMessage(t.Elem())
	default:
		return "has an invalid type"
	}
}

func emailParam(c echo.Context) string {
	raw := c.Param("email")
	if email, err := url.PathUnescape(raw); err == nil {
		return email
	}
	return raw
}

// -- Invitation handlers --

func (h *Handler) CreateInvitation(c echo.Context) error {
	var in CreateInvitationInput
	if err := bindBody(c, &in); err != nil {
		return err
	}

	caller := callerOf(c)
	invitedBy := patient.InviterDoctor
	if !caller.IsClinician() {
		if !managesPatient(caller, string(in.PatientID)) {
			return forbidden("Can only invite caregivers for your own account")
		}
		invitedBy = patient.InviterPatient
	}

	inv, err := h.svc.CreateInvitation(c.Request().Context(), in, invitedBy)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

// GetPendingInvitations lists invitations addressed to the caller. Admins may
// name any address with ?email=.
func (h *Handler) GetPendingInvitations(c echo.Context) error {
	caller := callerOf(c)
	email := strings.TrimSpace(c.QueryParam("email"))
	switch {
	case caller.IsAdmin():
		if email == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "Email query parameter required")
		}
	case email == "":
		email = caller.Email
	case !caller.EmailMatches(email):
		return forbidden("Can only view invitations addressed to you")
	}
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Email query parameter required")
	}

	invitations, err := h.svc.GetPendingInvitations(c.Request().Context(), email)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, invitations)
}

// GetPendingApprovals lists invitations awaiting a doctor. Doctors see their
// own patients; admins see all unless ?doctorId= narrows it.
func (h *Handler) GetPendingApprovals(c echo.Context) error {
	caller := callerOf(c)
	doctorID := c.QueryParam("doctorId")
	if !caller.IsAdmin() {
		if caller.DoctorID == "" {
			return forbidden("Doctor ID required")
		}
		if doctorID != "" && doctorID != caller.DoctorID {
			return forbidden("Can only view approvals for your own patients")
		}
		doctorID = caller.DoctorID
	}

	invitations, err := h.svc.GetPendingApprovalsForDoctor(c.Request().Context(), doctorID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, invitations)
}

func (h *Handler) GetPatientInvitations(c echo.Context) error {
	patientID := c.Param("patientId")
	if !managesPatient(callerOf(c), patientID) {
		return forbidden("Unauthorized")
	}

	invitations, err := h.svc.GetPatientInvitations(c.Request().Context(), patientID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(invitations, pagination.FromContext(c)))
}

func (h *Handler) GetInvitationByToken(c echo.Context) error {
	inv, err := h.svc.GetInvitationByToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvitation(c echo.Context) error {
	inv, err := h.svc.GetInvitation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	caller := callerOf(c)
	if !isAddressee(caller, inv) && !managesPatient(caller, inv.PatientID) {
		// Do not reveal invitations to unrelated callers.
		return echo.NewHTTPError(http.StatusNotFound, "Invitation not found")
	}
	return c.JSON(http.StatusOK, inv)
}

// loadForAddressee fetches the invitation and requires the caller to be the
// invited caregiver or an admin.
func (h *Handler) loadForAddressee(c echo.Context) (*Invitation, error) {
	inv, err := h.svc.GetInvitation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, mapError(err)
	}
	caller := callerOf(c)
	if !caller.IsAdmin() && !isAddressee(caller, inv) {
		return nil, forbidden("Invitation is addressed to another user")
	}
	return inv, nil
}

func (h *Handler) AcceptInvitation(c echo.Context) error {
	var in AcceptInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	inv, err := h.loadForAddressee(c)
	if err != nil {
		return err
	}

	result, err := h.svc.AcceptInvitation(c.Request().Context(), inv.ID, in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) RejectInvitation(c echo.Context) error {
	inv, err := h.loadForAddressee(c)
	if err != nil {
		return err
	}
	if err := h.svc.RejectInvitation(c.Request().Context(), inv.ID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) CancelInvitation(c echo.Context) error {
	inv, err := h.svc.GetInvitation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	if !managesPatient(callerOf(c), inv.PatientID) {
		return forbidden("Only the inviting patient or a doctor can cancel this invitation")
	}
	if err := h.svc.CancelInvitation(c.Request().Context(), inv.ID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) ApproveInvitation(c echo.Context) error {
	var in ApproveInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	caller := callerOf(c)
	doctorID := caller.DoctorID
	if doctorID == "" {
		doctorID = caller.UserID
	}

	inv, err := h.svc.ApproveInvitation(c.Request().Context(), c.Param("id"), in, doctorID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

// -- Caregiver handlers --

func (h *Handler) GetPatientCaregivers(c echo.Context) error {
	patientID := c.Param("patientId")
	if !managesPatient(callerOf(c), patientID) {
		return forbidden("Unauthorized")
	}
	caregivers, err := h.svc.GetPatientCaregivers(c.Request().Context(), patientID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, caregivers)
}

func (h *Handler) UpdateCaregiverPermissions(c echo.Context) error {
	patientID := c.Param("patientId")
	if !managesPatient(callerOf(c), patientID) {
		return forbidden("Unauthorized")
	}
	var in UpdatePermissionsInput
	if err := bindBody(c, &in); err != nil {
		return err
	}
	p, err := h.svc.UpdateCaregiverPermissions(c.Request().Context(), patientID, emailParam(c), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p.Caregivers)
}

func (h *Handler) RemoveCaregiver(c echo.Context) error {
	patientID := c.Param("patientId")
	if !managesPatient(callerOf(c), patientID) {
		return forbidden("Unauthorized")
	}
	p, err := h.svc.RemoveCaregiver(c.Request().Context(), patientID, emailParam(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p.Caregivers)
}
