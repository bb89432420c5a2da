package auth

import (
	"context"
	"strings"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserEmailKey contextKey = "user_email"
	UserRolesKey contextKey = "user_roles"
	PatientIDKey contextKey = "patient_id"
	DoctorIDKey  contextKey = "doctor_id"
)

const (
	RolePatient   = "patient"
	RoleCaregiver = "caregiver"
	RoleDoctor    = "doctor"
	RoleAdmin     = "admin"
)

// Caller is the verified identity behind a request.
type Caller struct {
	UserID    string
	Email     string
	Roles     []string
	PatientID string // set for patient accounts
	DoctorID  string // set for doctor accounts
}

func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c Caller) IsAdmin() bool {
	return c.HasRole(RoleAdmin)
}

// IsClinician reports whether the caller has unconditional access to patient data.
func (c Caller) IsClinician() bool {
	return c.HasRole(RoleDoctor) || c.HasRole(RoleAdmin)
}

// EmailMatches compares against the caller email case-insensitively.
func (c Caller) EmailMatches(email string) bool {
	return c.Email != "" && strings.EqualFold(c.Email, email)
}

// ContextWithCaller stores every caller attribute under its own key.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, c.UserID)
	ctx = context.WithValue(ctx, UserEmailKey, strings.ToLower(c.Email))
	ctx = context.WithValue(ctx, UserRolesKey, c.Roles)
	ctx = context.WithValue(ctx, PatientIDKey, c.PatientID)
	ctx = context.WithValue(ctx, DoctorIDKey, c.DoctorID)
	return ctx
}

func CallerFromContext(ctx context.Context) Caller {
	return Caller{
		UserID:    UserIDFromContext(ctx),
		Email:     EmailFromContext(ctx),
		Roles:     RolesFromContext(ctx),
		PatientID: stringFromContext(ctx, PatientIDKey),
		DoctorID:  stringFromContext(ctx, DoctorIDKey),
	}
}

func stringFromContext(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func UserIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, UserIDKey)
}

func EmailFromContext(ctx context.Context) string {
	return stringFromContext(ctx, UserEmailKey)
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
