package caregiver

import (
	"time"

	"github.com/healthbridge/healthbridge/internal/domain/patient"
)

// InvitationTTL is how long an invitation can be accepted after creation.
const InvitationTTL = 7 * 24 * time.Hour

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Invitation offers caregiverEmail access to one patient. Only pending
// invitations change; every other status is terminal.
type Invitation struct {
	ID string `json:"id"`
	// InviteToken is populated only on the value returned from creation.
	InviteToken    string                `json:"inviteToken,omitempty"`
	PatientID      string                `json:"patientId"`
	PatientName    string                `json:"patientName"`
	DoctorID       string                `json:"doctorId,omitempty"`
	CaregiverEmail string                `json:"caregiverEmail"`
	Relationship   patient.Relationship  `json:"relationship"`
	Permissions    patient.PermissionSet `json:"permissions"`
	Notes          string                `json:"notes,omitempty"`

	Status                 Status          `json:"status"`
	InvitedBy              patient.Inviter `json:"invitedBy"`
	RequiresDoctorApproval bool            `json:"requiresDoctorApproval"`
	DoctorApproved         *bool           `json:"doctorApproved"`
	DoctorApprovedBy       string          `json:"doctorApprovedBy,omitempty"`
	DoctorApprovedAt       *time.Time      `json:"doctorApprovedAt,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`

	Version int64 `json:"-"`
}

func (inv *Invitation) IsPending() bool {
	return inv.Status == StatusPending
}

// IsExpired reports whether the TTL lapsed strictly before now. An
// invitation is still valid at the exact instant of ExpiresAt.
func (inv *Invitation) IsExpired(now time.Time) bool {
	return inv.ExpiresAt.Before(now)
}

// AwaitingApproval reports whether a doctor still has to approve.
func (inv *Invitation) AwaitingApproval() bool {
	return inv.RequiresDoctorApproval && (inv.DoctorApproved == nil || !*inv.DoctorApproved)
}

// AcceptResult is returned from a successful accept.
type AcceptResult struct {
	Success bool           `json:"success"`
	Patient PatientSummary `json:"patient"`
}

type PatientSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
