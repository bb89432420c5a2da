package caregiver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healthbridge/healthbridge/internal/domain/patient"
	"github.com/healthbridge/healthbridge/internal/platform/auth"
)

type testCaller struct {
	email     string
	role      string
	patientID string
	doctorID  string
}

var (
	asPatient   = testCaller{email: "pat@x.com", role: auth.RolePatient, patientID: "1"}
	asOther     = testCaller{email: "other@x.com", role: auth.RolePatient, patientID: "2"}
	asDoctor    = testCaller{email: "doc@x.com", role: auth.RoleDoctor, doctorID: "5"}
	asAdmin     = testCaller{email: "admin@x.com", role: auth.RoleAdmin}
	asCaregiver = testCaller{email: "c@x.com", role: auth.RoleCaregiver}
	asStranger  = testCaller{email: "s@x.com", role: auth.RoleCaregiver}
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			caller := auth.Caller{
				Email:     h.Get("X-Test-Email"),
				Roles:     []string{h.Get("X-Test-Role")},
				PatientID: h.Get("X-Test-Patient"),
				DoctorID:  h.Get("X-Test-Doctor"),
			}
			c.SetRequest(c.Request().WithContext(auth.ContextWithCaller(context.Background(), caller)))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"), nil)
	return e, f
}

func doJSON(e *echo.Echo, method, path string, as testCaller, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-Test-Email", as.email)
	req.Header.Set("X-Test-Role", as.role)
	req.Header.Set("X-Test-Patient", as.patientID)
	req.Header.Set("X-Test-Doctor", as.doctorID)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body.Message
}

const createBody = `{"patientId": 1, "caregiverEmail": "c@x.com", "relationship": "parent"}`

func TestHandler_CreateInvitation(t *testing.T) {
	tests := []struct {
		name       string
		as         testCaller
		body       string
		wantStatus int
		wantBy     patient.Inviter
	}{
		{"patient for self", asPatient, createBody, http.StatusCreated, patient.InviterPatient},
		{"doctor", asDoctor, createBody, http.StatusCreated, patient.InviterDoctor},
		{"admin counts as doctor", asAdmin, createBody, http.StatusCreated, patient.InviterDoctor},
		{"patient for someone else", asOther, createBody, http.StatusForbidden, ""},
		{"caregiver role", asCaregiver, createBody, http.StatusForbidden, ""},
		{"unknown patient", asDoctor, `{"patientId": "9", "caregiverEmail": "c@x.com", "relationship": "parent"}`, http.StatusNotFound, ""},
		{"invalid body", asDoctor, `{"patientId": "1", "caregiverEmail": "nope", "relationship": "parent"}`, http.StatusBadRequest, ""},
		{"malformed json", asDoctor, `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(t)
			rec := doJSON(e, http.MethodPost, "/api/v1/caregivers/invitations", tt.as, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}
			var inv Invitation
			json.Unmarshal(rec.Body.Bytes(), &inv)
			if inv.InvitedBy != tt.wantBy {
				t.Errorf("expected invitedBy %s, got %s", tt.wantBy, inv.InvitedBy)
			}
			if inv.InviteToken == "" {
				t.Error("creation response must include the token")
			}
		})
	}
}

func TestHandler_CreateInvitationConflict(t *testing.T) {
	e, _ := newTestServer(t)
	doJSON(e, http.MethodPost, "/api/v1/caregivers/invitations", asPatient, createBody)
	rec := doJSON(e, http.MethodPost, "/api/v1/caregivers/invitations", asPatient, createBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "Pending invitation already exists for this caregiver" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestHandler_ValidationBody(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodPost, "/api/v1/caregivers/invitations", asDoctor,
		`{"patientId": "1", "caregiverEmail": "nope", "relationship": "pal"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body validationBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Message != "Validation failed" || len(body.Errors) != 2 {
		t.Errorf("unexpected validation body %+v", body)
	}
}

func TestHandler_BodyTypeErrorsNameTheField(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
		wantMsg   string
	}{
		{"boolean patient id", `{"patientId": true, "caregiverEmail": "c@x.com", "relationship": "parent"}`, "patientId", "must be a string or number"},
		{"numeric relationship", `{"patientId": "1", "caregiverEmail": "c@x.com", "relationship": 5}`, "relationship", "must be a string"},
		{"string permissions", `{"patientId": "1", "caregiverEmail": "c@x.com", "relationship": "parent", "permissions": "x"}`, "permissions", "must be an object"},
		{"string permission flag", `{"patientId": "1", "caregiverEmail": "c@x.com", "relationship": "parent", "permissions": {"viewPayments": "yes"}}`, "permissions.viewPayments", "must be a boolean"},
		{"malformed json", `{"patientId": `, "body", "must be a valid JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(t)
			rec := doJSON(e, http.MethodPost, "/api/v1/caregivers/invitations", asDoctor, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			var body validationBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			if body.Message != "Validation failed" || len(body.Errors) != 1 {
				t.Fatalf("unexpected validation body %+v", body)
			}
			if body.Errors[0].Field != tt.wantField || body.Errors[0].Message != tt.wantMsg {
				t.Errorf("expected %s %q, got %+v", tt.wantField, tt.wantMsg, body.Errors[0])
			}
		})
	}
}

func TestHandler_UpdatePermissionsTypeError(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterDoctor)
	if _, err := f.svc.AcceptInvitation(context.Background(), inv.ID, AcceptInput{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rec := doJSON(e, http.MethodPut, "/api/v1/patients/1/caregivers/c@x.com/permissions", asPatient,
		`{"permissions": {"addVitals": 1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var body validationBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Errors) != 1 || body.Errors[0].Field != "permissions.addVitals" {
		t.Errorf("unexpected validation body %+v", body)
	}
}

func TestHandler_AcceptFlow(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterPatient)
	path := "/api/v1/caregivers/invitations/" + inv.ID

	rec := doJSON(e, http.MethodPost, path+"/accept", asStranger, `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger accept: expected 403, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, path+"/accept", asCaregiver, `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unapproved accept: expected 403, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "Invitation pending doctor approval" {
		t.Errorf("unexpected message %q", msg)
	}

	rec = doJSON(e, http.MethodPut, path+"/approve", asPatient, `{"approved": true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("patient approve: expected 403, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodPut, path+"/approve", asDoctor, `{"approved": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, path+"/accept", asCaregiver, `{"caregiverName": "Carol"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result AcceptResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Success || result.Patient.ID != "1" {
		t.Errorf("unexpected accept result %+v", result)
	}

	rec = doJSON(e, http.MethodPost, path+"/accept", asCaregiver, `{}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second accept: expected 409, got %d", rec.Code)
	}
}

func TestHandler_ExpiredIsGone(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterDoctor)
	f.clock.Advance(InvitationTTL + 1)

	rec := doJSON(e, http.MethodGet, "/api/v1/caregivers/invitations/token/"+inv.InviteToken, asStranger, "")
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "Invitation has expired" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestHandler_GetByToken(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterDoctor)

	rec := doJSON(e, http.MethodGet, "/api/v1/caregivers/invitations/token/"+inv.InviteToken, asCaregiver, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Invitation
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != inv.ID || got.InviteToken != "" {
		t.Errorf("unexpected invitation %+v", got)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/caregivers/invitations/token/unknown", asCaregiver, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetInvitationVisibility(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterPatient)
	path := "/api/v1/caregivers/invitations/" + inv.ID

	for _, tt := range []struct {
		name string
		as   testCaller
		want int
	}{
		{"addressee", asCaregiver, http.StatusOK},
		{"owning patient", asPatient, http.StatusOK},
		{"doctor", asDoctor, http.StatusOK},
		{"other patient", asOther, http.StatusNotFound},
		{"stranger", asStranger, http.StatusNotFound},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if rec := doJSON(e, http.MethodGet, path, tt.as, ""); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandler_RejectAndCancel(t *testing.T) {
	e, f := newTestServer(t)
	toReject := f.invite(t, "c@x.com", patient.InviterPatient)
	toCancel := f.invite(t, "d@x.com", patient.InviterPatient)
	base := "/api/v1/caregivers/invitations/"

	if rec := doJSON(e, http.MethodPost, base+toReject.ID+"/reject", asStranger, ""); rec.Code != http.StatusForbidden {
		t.Errorf("stranger reject: expected 403, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, base+toReject.ID+"/reject", asCaregiver, ""); rec.Code != http.StatusOK {
		t.Errorf("reject: expected 200, got %d", rec.Code)
	}

	if rec := doJSON(e, http.MethodDelete, base+toCancel.ID, asOther, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other patient cancel: expected 403, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodDelete, base+toCancel.ID, asPatient, ""); rec.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d", rec.Code)
	}
	rec := doJSON(e, http.MethodDelete, base+toCancel.ID, asPatient, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "Cannot cancel cancelled invitation" {
		t.Errorf("unexpected message %q", msg)
	}

	if rec := doJSON(e, http.MethodDelete, base+"missing", asPatient, ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing cancel: expected 404, got %d", rec.Code)
	}
}

func TestHandler_PendingInvitations(t *testing.T) {
	e, f := newTestServer(t)
	f.invite(t, "c@x.com", patient.InviterPatient)
	base := "/api/v1/caregivers/invitations/pending"

	tests := []struct {
		name  string
		path  string
		as    testCaller
		want  int
		count int
	}{
		{"own address", base, asCaregiver, http.StatusOK, 1},
		{"own address explicit", base + "?email=C@X.com", asCaregiver, http.StatusOK, 1},
		{"someone else", base + "?email=c@x.com", asStranger, http.StatusForbidden, 0},
		{"admin needs email", base, asAdmin, http.StatusBadRequest, 0},
		{"admin with email", base + "?email=c@x.com", asAdmin, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, http.MethodGet, tt.path, tt.as, "")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got []Invitation
			json.Unmarshal(rec.Body.Bytes(), &got)
			if len(got) != tt.count {
				t.Errorf("expected %d invitations, got %d", tt.count, len(got))
			}
		})
	}
}

func TestHandler_PendingApprovals(t *testing.T) {
	e, f := newTestServer(t)
	f.invite(t, "c@x.com", patient.InviterPatient)
	base := "/api/v1/caregivers/invitations/pending-approval"

	if rec := doJSON(e, http.MethodGet, base, asPatient, ""); rec.Code != http.StatusForbidden {
		t.Errorf("patient: expected 403, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, base+"?doctorId=6", asDoctor, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other doctor's queue: expected 403, got %d", rec.Code)
	}
	noID := asDoctor
	noID.doctorID = ""
	if rec := doJSON(e, http.MethodGet, base, noID, ""); rec.Code != http.StatusForbidden {
		t.Errorf("doctor without id: expected 403, got %d", rec.Code)
	}

	rec := doJSON(e, http.MethodGet, base, asDoctor, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []Invitation
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 {
		t.Errorf("expected 1 awaiting approval, got %d", len(got))
	}
}

func TestHandler_PatientInvitationsPaginated(t *testing.T) {
	e, f := newTestServer(t)
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		f.invite(t, email, patient.InviterPatient)
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/caregivers/invitations/patient/1?limit=2", asPatient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []Invitation `json:"data"`
		Total   int          `json:"total"`
		HasMore bool         `json:"hasMore"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d hasMore=%v", page.Total, len(page.Data), page.HasMore)
	}

	if rec := doJSON(e, http.MethodGet, "/api/v1/caregivers/invitations/patient/1", asOther, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other patient: expected 403, got %d", rec.Code)
	}
}

func TestHandler_ManageCaregivers(t *testing.T) {
	e, f := newTestServer(t)
	inv := f.invite(t, "c@x.com", patient.InviterDoctor)
	if _, err := f.svc.AcceptInvitation(context.Background(), inv.ID, AcceptInput{}); err != nil {
		t.Fatal(err)
	}
	base := "/api/v1/patients/1/caregivers"

	rec := doJSON(e, http.MethodGet, base, asPatient, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, base, asOther, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other patient list: expected 403, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPut, base+"/c%40x.com/permissions", asDoctor, `{"permissions": {"addVitals": true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var caregivers []patient.Caregiver
	json.Unmarshal(rec.Body.Bytes(), &caregivers)
	if len(caregivers) != 1 || !caregivers[0].Permissions.AddVitals {
		t.Errorf("expected addVitals granted, got %+v", caregivers)
	}

	rec = doJSON(e, http.MethodPut, base+"/nobody@x.com/permissions", asDoctor, `{"permissions": {}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown caregiver: expected 404, got %d", rec.Code)
	}

	if rec := doJSON(e, http.MethodDelete, base+"/c@x.com", asPatient, ""); rec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodDelete, base+"/c@x.com", asPatient, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", rec.Code)
	}
	if msg := decodeMessage(t, rec); msg != "Caregiver not found" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errInvitationNotFound, http.StatusNotFound},
		{conflict("x"), http.StatusConflict},
		{errPatientContended, http.StatusConflict},
		{errPendingApproval, http.StatusForbidden},
		{errInvitationExpired, http.StatusGone},
		{invalidField("f", "bad"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var he *echo.HTTPError
		if !errors.As(mapError(tt.err), &he) {
			t.Fatalf("mapError(%v) did not return *echo.HTTPError", tt.err)
		}
		if he.Code != tt.want {
			t.Errorf("mapError(%v) = %d, want %d", tt.err, he.Code, tt.want)
		}
	}
}
