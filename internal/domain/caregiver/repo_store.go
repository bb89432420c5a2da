package caregiver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/healthbridge/healthbridge/internal/platform/clock"
	"github.com/healthbridge/healthbridge/internal/platform/docstore"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
)

// invitationDocument is the stored shape: the invitation plus the token hash.
type invitationDocument struct {
	Invitation
	InviteTokenHash string `json:"inviteTokenHash"`
}

type invitationRepoStore struct {
	store   docstore.Store
	clock   clock.Clock
	metrics *metrics.CaregiverMetrics
	logger  zerolog.Logger
}

func NewInvitationRepo(store docstore.Store, clk clock.Clock, m *metrics.CaregiverMetrics, logger zerolog.Logger) InvitationRepository {
	return &invitationRepoStore{store: store, clock: clk, metrics: m, logger: logger}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func decodeInvitation(doc docstore.Document) (*Invitation, string, error) {
	var d invitationDocument
	if err := doc.Decode(&d); err != nil {
		return nil, "", fmt.Errorf("decode invitation %s: %w", doc.ID, err)
	}
	inv := d.Invitation
	inv.ID = doc.ID
	inv.Version = doc.Version
	inv.InviteToken = ""
	return &inv, d.InviteTokenHash, nil
}

func (r *invitationRepoStore) find(ctx context.Context, filters ...docstore.Filter) ([]*Invitation, error) {
	docs, err := r.store.Find(ctx, Collection, filters...)
	if err != nil {
		return nil, fmt.Errorf("query invitations: %w", err)
	}
	out := make([]*Invitation, 0, len(docs))
	for _, doc := range docs {
		inv, _, err := decodeInvitation(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (r *invitationRepoStore) Create(ctx context.Context, inv *Invitation) error {
	if inv.InviteToken == "" {
		return errors.New("invitation has no token")
	}
	d := invitationDocument{Invitation: *inv, InviteTokenHash: hashToken(inv.InviteToken)}
	d.InviteToken = ""

	doc, err := r.store.Create(ctx, Collection, inv.ID, d)
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	inv.ID = doc.ID
	inv.Version = doc.Version
	return nil
}

func (r *invitationRepoStore) FindByID(ctx context.Context, id string) (*Invitation, error) {
	doc, err := r.store.Get(ctx, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation %s: %w", id, err)
	}
	inv, _, err := decodeInvitation(doc)
	return inv, err
}

// Update rewrites the stored document. The token hash is carried over from
// the current version since callers never see it.
func (r *invitationRepoStore) Update(ctx context.Context, inv *Invitation) error {
	cur, err := r.store.Get(ctx, Collection, inv.ID)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get invitation %s: %w", inv.ID, err)
	}
	_, tokenHash, err := decodeInvitation(cur)
	if err != nil {
		return err
	}

	d := invitationDocument{Invitation: *inv, InviteTokenHash: tokenHash}
	d.InviteToken = ""
	doc, err := r.store.Update(ctx, Collection, inv.ID, inv.Version, d)
	if errors.Is(err, docstore.ErrVersionConflict) {
		r.metrics.VersionConflict(Collection)
		return err
	}
	if err != nil {
		return fmt.Errorf("update invitation %s: %w", inv.ID, err)
	}
	inv.Version = doc.Version
	return nil
}

func (r *invitationRepoStore) FindByToken(ctx context.Context, token string) (*Invitation, error) {
	if token == "" {
		return nil, nil
	}
	want := hashToken(token)
	docs, err := r.store.Find(ctx, Collection, docstore.Eq("inviteTokenHash", want))
	if err != nil {
		return nil, fmt.Errorf("query invitation by token: %w", err)
	}
	for _, doc := range docs {
		inv, got, err := decodeInvitation(doc)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return inv, nil
		}
	}
	return nil, nil
}

func (r *invitationRepoStore) FindPendingByEmail(ctx context.Context, email string) ([]*Invitation, error) {
	all, err := r.find(ctx,
		docstore.Eq("caregiverEmail", strings.ToLower(email)),
		docstore.Eq("status", StatusPending))
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := all[:0]
	for _, inv := range all {
		if inv.ExpiresAt.After(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *invitationRepoStore) FindPendingForPair(ctx context.Context, patientID, email string) ([]*Invitation, error) {
	return r.find(ctx,
		docstore.Eq("patientId", patientID),
		docstore.Eq("caregiverEmail", strings.ToLower(email)),
		docstore.Eq("status", StatusPending))
}

func (r *invitationRepoStore) FindByPatientID(ctx context.Context, patientID string) ([]*Invitation, error) {
	out, err := r.find(ctx, docstore.Eq("patientId", patientID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *invitationRepoStore) FindPendingNeedingApproval(ctx context.Context, doctorID string) ([]*Invitation, error) {
	filters := []docstore.Filter{
		docstore.Eq("status", StatusPending),
		docstore.Eq("requiresDoctorApproval", true),
	}
	if doctorID != "" {
		filters = append(filters, docstore.Eq("doctorId", doctorID))
	}
	all, err := r.find(ctx, filters...)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := all[:0]
	for _, inv := range all {
		if inv.AwaitingApproval() && inv.ExpiresAt.After(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *invitationRepoStore) FindExpired(ctx context.Context) ([]*Invitation, error) {
	all, err := r.find(ctx, docstore.Eq("status", StatusPending))
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := all[:0]
	for _, inv := range all {
		if inv.IsExpired(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *invitationRepoStore) MarkExpiredInvitations(ctx context.Context) (int, error) {
	expired, err := r.FindExpired(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, inv := range expired {
		inv.Status = StatusExpired
		err := r.Update(ctx, inv)
		if errors.Is(err, docstore.ErrVersionConflict) {
			// Changed since the query; the next sweep re-evaluates it.
			r.logger.Debug().Str("invitation_id", inv.ID).Msg("skipping invitation modified during sweep")
			continue
		}
		if err != nil {
			return count, err
		}
		r.metrics.Transition(string(StatusPending), string(StatusExpired))
		count++
	}
	return count, nil
}
