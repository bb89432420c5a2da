package caregiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/healthbridge/healthbridge/internal/domain/patient"
)

// FlexibleID accepts a JSON string or number, since patient ids arrive in
// either form from clients.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return &json.UnmarshalTypeError{Value: jsonKind(b), Type: reflect.TypeOf(FlexibleID(""))}
	}
	*id = FlexibleID(n.String())
	return nil
}

func jsonKind(b []byte) string {
	if len(b) == 0 {
		return "value"
	}
	switch b[0] {
	case 't', 'f':
		return "bool"
	case '{':
		return "object"
	case '[':
		return "array"
	default:
		return "value"
	}
}

type CreateInvitationInput struct {
	PatientID      FlexibleID               `json:"patientId" validate:"required"`
	CaregiverEmail string                   `json:"caregiverEmail" validate:"required,email"`
	Relationship   patient.Relationship     `json:"relationship" validate:"required,oneof=parent guardian spouse adult_child sibling caregiver"`
	Permissions    *patient.PermissionPatch `json:"permissions"`
	Notes          string                   `json:"notes" validate:"max=500"`
}

// AcceptInput carries optional profile hints from the accepting caregiver.
type AcceptInput struct {
	CaregiverName  *string `json:"caregiverName" validate:"omitnil,min=1"`
	CaregiverPhone *string `json:"caregiverPhone" validate:"omitnil,max=32"`
}

type ApproveInput struct {
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes" validate:"max=500"`
}

type UpdatePermissionsInput struct {
	Permissions *patient.PermissionPatch `json:"permissions" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateInput runs the struct tags and reports every failing field.
func validateInput(in interface{}) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return &Error{Kind: KindValidation, Message: "Validation failed", Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

func invalidField(field, msg string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "Validation failed",
		Fields:  []FieldError{{Field: field, Message: msg}},
	}
}
