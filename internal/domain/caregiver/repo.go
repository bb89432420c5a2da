package caregiver

import "context"

// Collection is the document collection invitations live in.
const Collection = "caregiver_invitations"

// InvitationRepository is a typed query surface over invitations. It holds no
// business rules beyond the expiry sweep.
type InvitationRepository interface {
	// Create persists inv, storing only a hash of inv.InviteToken.
	Create(ctx context.Context, inv *Invitation) error
	// FindByID returns (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (*Invitation, error)
	// Update writes inv if the stored version still equals inv.Version,
	// otherwise it fails with docstore.ErrVersionConflict.
	Update(ctx context.Context, inv *Invitation) error

	// FindByToken matches the token exactly and returns (nil, nil) when absent.
	FindByToken(ctx context.Context, token string) (*Invitation, error)
	// FindPendingByEmail returns unexpired pending invitations addressed to email.
	FindPendingByEmail(ctx context.Context, email string) ([]*Invitation, error)
	// FindPendingForPair returns pending invitations for the pair, expired or not.
	FindPendingForPair(ctx context.Context, patientID, email string) ([]*Invitation, error)
	// FindByPatientID returns every invitation for the patient, newest first.
	FindByPatientID(ctx context.Context, patientID string) ([]*Invitation, error)
	// FindPendingNeedingApproval returns unexpired pending invitations still
	// waiting on a doctor, limited to doctorID when it is not empty.
	FindPendingNeedingApproval(ctx context.Context, doctorID string) ([]*Invitation, error)
	// FindExpired returns pending invitations whose TTL has lapsed.
	FindExpired(ctx context.Context) ([]*Invitation, error)
	// MarkExpiredInvitations moves every lapsed pending invitation to expired
	// and returns how many it changed.
	MarkExpiredInvitations(ctx context.Context) (int, error)
}
