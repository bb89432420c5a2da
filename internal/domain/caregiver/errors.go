package caregiver

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindExpired
	KindPendingApproval
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExpired:
		return "expired"
	case KindPendingApproval:
		return "pending_approval"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a domain failure with a message fit to show the user.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
}

func (e *Error) Error() string {
	return e.Message
}

// IsKind reports whether err wraps an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == k
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

var (
	errInvitationNotFound = notFound("Invitation not found")
	errPatientNotFound    = notFound("Patient not found")
	errPatientContended   = conflict("Patient record changed concurrently, retry")
	errInvitationExpired  = &Error{Kind: KindExpired, Message: "Invitation has expired"}
	errPendingApproval    = &Error{Kind: KindPendingApproval, Message: "Invitation pending doctor approval"}
)
