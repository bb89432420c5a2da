package caregiver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/healthbridge/healthbridge/internal/domain/patient"
	"github.com/healthbridge/healthbridge/internal/platform/clock"
	"github.com/healthbridge/healthbridge/internal/platform/docstore"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
)

// inviteTokenBytes is the entropy of an invite token before hex encoding.
const inviteTokenBytes = 32

// TxRunner groups writes to both collections into one unit.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service owns every invitation transition and every change to a patient's
// caregiver list.
type Service struct {
	invitations InvitationRepository
	patients    patient.Repository
	tx          TxRunner
	clock       clock.Clock
	metrics     *metrics.CaregiverMetrics
	logger      zerolog.Logger
}

func NewService(invitations InvitationRepository, patients patient.Repository, tx TxRunner,
	clk clock.Clock, m *metrics.CaregiverMetrics, logger zerolog.Logger) *Service {
	return &Service{
		invitations: invitations,
		patients:    patients,
		tx:          tx,
		clock:       clk,
		metrics:     m,
		logger:      logger,
	}
}

func newInviteToken() (string, error) {
	b := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// -- Invitations --

// CreateInvitation validates the request against the patient and any open
// invitation for the same caregiver, then stores a new pending invitation.
// The returned invitation carries the plaintext token; it is not retrievable
// afterwards.
func (s *Service) CreateInvitation(ctx context.Context, in CreateInvitationInput, invitedBy patient.Inviter) (*Invitation, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if invitedBy != patient.InviterPatient && invitedBy != patient.InviterDoctor {
		return nil, invalidField("invitedBy", "must be one of: patient, doctor")
	}
	email := strings.ToLower(strings.TrimSpace(in.CaregiverEmail))

	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}

	var inv *Invitation
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.FindByID(ctx, string(in.PatientID))
		if err != nil {
			return err
		}
		if p == nil {
			return errPatientNotFound
		}
		if p.HasCaregiver(email) {
			return conflict("Caregiver already added to this patient")
		}

		now := s.clock.Now()
		open, err := s.invitations.FindPendingForPair(ctx, p.ID, email)
		if err != nil {
			return err
		}
		for _, existing := range open {
			if !existing.IsExpired(now) {
				return conflict("Pending invitation already exists for this caregiver")
			}
			// A lapsed invitation still marked pending would block the new one.
			if err := s.expire(ctx, existing); err != nil {
				return err
			}
		}

		inv = &Invitation{
			InviteToken:            token,
			PatientID:              p.ID,
			PatientName:            p.Name,
			DoctorID:               p.DoctorID,
			CaregiverEmail:         email,
			Relationship:           in.Relationship,
			Permissions:            in.Permissions.Apply(patient.DefaultPermissions),
			Notes:                  in.Notes,
			Status:                 StatusPending,
			InvitedBy:              invitedBy,
			RequiresDoctorApproval: invitedBy == patient.InviterPatient,
			CreatedAt:              now,
			ExpiresAt:              now.Add(InvitationTTL),
		}
		if invitedBy == patient.InviterDoctor {
			approved := true
			approvedAt := now
			inv.DoctorApproved = &approved
			inv.DoctorApprovedBy = p.DoctorID
			inv.DoctorApprovedAt = &approvedAt
		}

		err = s.invitations.Create(ctx, inv)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return conflict("Pending invitation already exists for this caregiver")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.InvitationCreated(string(invitedBy))
	s.logger.Info().
		Str("invitation_id", inv.ID).
		Str("patient_id", inv.PatientID).
		Str("invited_by", string(invitedBy)).
		Bool("requires_doctor_approval", inv.RequiresDoctorApproval).
		Msg("caregiver invitation created")
	return inv, nil
}

func (s *Service) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	inv, err := s.invitations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, errInvitationNotFound
	}
	return inv, nil
}

// GetInvitationByToken resolves an invite link. A lapsed pending invitation
// is moved to expired on the way out.
func (s *Service) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	inv, err := s.invitations.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, errInvitationNotFound
	}
	if inv.IsExpired(s.clock.Now()) {
		if inv.IsPending() {
			if err := s.expire(ctx, inv); err != nil {
				return nil, err
			}
		}
		return nil, errInvitationExpired
	}
	return inv, nil
}

// AcceptInvitation adds the caregiver to the patient and closes the
// invitation. Both writes commit together or not at all.
func (s *Service) AcceptInvitation(ctx context.Context, id string, in AcceptInput) (*AcceptResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	inv, err := s.GetInvitation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.IsPending() {
		return nil, conflict("Invitation already %s", inv.Status)
	}
	now := s.clock.Now()
	if inv.IsExpired(now) {
		if err := s.expire(ctx, inv); err != nil {
			return nil, err
		}
		return nil, errInvitationExpired
	}
	if inv.AwaitingApproval() {
		return nil, errPendingApproval
	}

	var p *patient.Patient
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.patients.Mutate(ctx, inv.PatientID, func(p *patient.Patient) error {
			if p.HasCaregiver(inv.CaregiverEmail) {
				return conflict("Caregiver already added to this patient")
			}
			p.Caregivers = append(p.Caregivers, patient.Caregiver{
				Email:        inv.CaregiverEmail,
				Relationship: inv.Relationship,
				Permissions:  inv.Permissions,
				AddedAt:      now,
				AddedBy:      inv.InvitedBy,
				Status:       patient.CaregiverActive,
			})
			return nil
		})
		if err != nil {
			return patientWriteError(err)
		}

		inv.Status = StatusAccepted
		inv.AcceptedAt = &now
		return s.saveTransition(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(StatusPending), string(StatusAccepted))
	evt := s.logger.Info().
		Str("invitation_id", inv.ID).
		Str("patient_id", inv.PatientID).
		Str("from", string(StatusPending)).
		Str("to", string(StatusAccepted))
	// Profile hints are not stored on the caregiver entry.
	if in.CaregiverName != nil {
		evt = evt.Bool("caregiver_name_provided", true)
	}
	if in.CaregiverPhone != nil {
		evt = evt.Bool("caregiver_phone_provided", true)
	}
	evt.Msg("caregiver invitation accepted")

	return &AcceptResult{
		Success: true,
		Patient: PatientSummary{ID: p.ID, Name: p.Name},
	}, nil
}

// RejectInvitation is the caregiver declining.
func (s *Service) RejectInvitation(ctx context.Context, id string) error {
	inv, err := s.GetInvitation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.IsPending() {
		return conflict("Invitation already %s", inv.Status)
	}
	now := s.clock.Now()
	inv.Status = StatusRejected
	inv.RejectedAt = &now
	if err := s.saveTransition(ctx, inv); err != nil {
		return err
	}
	s.transitioned(inv, StatusPending)
	return nil
}

// CancelInvitation is the inviting side withdrawing.
func (s *Service) CancelInvitation(ctx context.Context, id string) error {
	inv, err := s.GetInvitation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.IsPending() {
		return conflict("Cannot cancel %s invitation", inv.Status)
	}
	inv.Status = StatusCancelled
	if err := s.saveTransition(ctx, inv); err != nil {
		return err
	}
	s.transitioned(inv, StatusPending)
	return nil
}

// ApproveInvitation records a doctor's decision on a patient-initiated
// invitation. Disapproval rejects the invitation for good.
func (s *Service) ApproveInvitation(ctx context.Context, id string, in ApproveInput, doctorID string) (*Invitation, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	inv, err := s.GetInvitation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.IsPending() {
		return nil, conflict("Cannot approve %s invitation", inv.Status)
	}
	if !inv.RequiresDoctorApproval {
		return nil, conflict("This invitation does not require doctor approval")
	}

	now := s.clock.Now()
	approved := *in.Approved
	inv.DoctorApproved = &approved
	inv.DoctorApprovedBy = doctorID
	inv.DoctorApprovedAt = &now
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		inv.Notes = strings.TrimSpace(inv.Notes + "\nDoctor: " + notes)
	}
	if !approved {
		inv.Status = StatusRejected
		inv.RejectedAt = &now
	}

	if err := s.saveTransition(ctx, inv); err != nil {
		return nil, err
	}
	if approved {
		s.logger.Info().
			Str("invitation_id", inv.ID).
			Str("doctor_id", doctorID).
			Msg("caregiver invitation approved")
	} else {
		s.transitioned(inv, StatusPending)
	}
	return inv, nil
}

// MarkExpiredInvitations runs the expiry sweep once.
func (s *Service) MarkExpiredInvitations(ctx context.Context) (int, error) {
	return s.invitations.MarkExpiredInvitations(ctx)
}

// expire moves a lapsed pending invitation to expired. Losing the write to a
// concurrent change is fine: whoever won moved it out of pending as well, or
// the sweep will.
func (s *Service) expire(ctx context.Context, inv *Invitation) error {
	inv.Status = StatusExpired
	err := s.invitations.Update(ctx, inv)
	if errors.Is(err, docstore.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.transitioned(inv, StatusPending)
	return nil
}

func (s *Service) saveTransition(ctx context.Context, inv *Invitation) error {
	err := s.invitations.Update(ctx, inv)
	if errors.Is(err, docstore.ErrVersionConflict) {
		return conflict("Invitation was modified concurrently")
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return errInvitationNotFound
	}
	return err
}

func (s *Service) transitioned(inv *Invitation, from Status) {
	s.metrics.Transition(string(from), string(inv.Status))
	s.logger.Info().
		Str("invitation_id", inv.ID).
		Str("patient_id", inv.PatientID).
		Str("from", string(from)).
		Str("to", string(inv.Status)).
		Msg("caregiver invitation transitioned")
}

// -- Caregivers --

// UpdateCaregiverPermissions merges patch into one caregiver's permissions.
func (s *Service) UpdateCaregiverPermissions(ctx context.Context, patientID, email string, in UpdatePermissionsInput) (*patient.Patient, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.patients.Mutate(ctx, patientID, func(p *patient.Patient) error {
		i := p.FindCaregiver(email)
		if i < 0 {
			return notFound("Caregiver not found for this patient")
		}
		p.Caregivers[i].Permissions = in.Permissions.Apply(p.Caregivers[i].Permissions)
		return nil
	})
	if err != nil {
		return nil, patientWriteError(err)
	}
	s.logger.Info().
		Str("patient_id", patientID).
		Msg("caregiver permissions updated")
	return p, nil
}

// RemoveCaregiver deletes the caregiver entry. Invitation history is kept.
func (s *Service) RemoveCaregiver(ctx context.Context, patientID, email string) (*patient.Patient, error) {
	p, err := s.patients.Mutate(ctx, patientID, func(p *patient.Patient) error {
		if !p.RemoveCaregiver(email) {
			return notFound("Caregiver not found")
		}
		return nil
	})
	if err != nil {
		return nil, patientWriteError(err)
	}
	s.logger.Info().
		Str("patient_id", patientID).
		Msg("caregiver removed")
	return p, nil
}

// patientWriteError maps repository failures from Mutate to domain errors.
func patientWriteError(err error) error {
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return errPatientNotFound
	case errors.Is(err, patient.ErrContended):
		return errPatientContended
	default:
		return err
	}
}

// -- Reads --

func (s *Service) GetPatientCaregivers(ctx context.Context, patientID string) ([]patient.Caregiver, error) {
	p, err := s.patients.FindByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errPatientNotFound
	}
	return p.Caregivers, nil
}

func (s *Service) GetPendingInvitations(ctx context.Context, email string) ([]*Invitation, error) {
	return s.invitations.FindPendingByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Service) GetPatientInvitations(ctx context.Context, patientID string) ([]*Invitation, error) {
	return s.invitations.FindByPatientID(ctx, patientID)
}

func (s *Service) GetPendingApprovalsForDoctor(ctx context.Context, doctorID string) ([]*Invitation, error) {
	return s.invitations.FindPendingNeedingApproval(ctx, doctorID)
}
