package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/healthbridge/healthbridge/internal/platform/docstore"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
)

type patientRepoStore struct {
	store   docstore.Store
	metrics *metrics.CaregiverMetrics
	now     func() time.Time
}

func NewRepo(store docstore.Store, m *metrics.CaregiverMetrics) Repository {
	return &patientRepoStore{store: store, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

func decodePatient(doc docstore.Document) (*Patient, error) {
	var p Patient
	if err := doc.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", doc.ID, err)
	}
	p.ID = doc.ID
	p.Version = doc.Version
	if p.Caregivers == nil {
		p.Caregivers = []Caregiver{}
	}
	return &p, nil
}

func (r *patientRepoStore) Create(ctx context.Context, p *Patient) error {
	if p.Caregivers == nil {
		p.Caregivers = []Caregiver{}
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now

	doc, err := r.store.Create(ctx, Collection, p.ID, p)
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	p.ID = doc.ID
	p.Version = doc.Version
	return nil
}

func (r *patientRepoStore) FindByID(ctx context.Context, id string) (*Patient, error) {
	doc, err := r.store.Get(ctx, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return decodePatient(doc)
}

func (r *patientRepoStore) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = r.now()
	doc, err := r.store.Update(ctx, Collection, p.ID, p.Version, p)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, docstore.ErrVersionConflict):
		r.metrics.VersionConflict(Collection)
		return err
	case err != nil:
		return fmt.Errorf("update patient %s: %w", p.ID, err)
	}
	p.Version = doc.Version
	return nil
}

func (r *patientRepoStore) Mutate(ctx context.Context, id string, fn func(p *Patient) error) (*Patient, error) {
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		p, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, ErrNotFound
		}
		if err := fn(p); err != nil {
			return nil, err
		}

		err = r.Update(ctx, p)
		if errors.Is(err, docstore.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrContended, MaxMutateAttempts)
}
