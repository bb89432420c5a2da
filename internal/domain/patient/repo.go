package patient

import (
	"context"
	"errors"
)

// Collection is the document collection patients live in.
const Collection = "patients"

// MaxMutateAttempts bounds how often Mutate retries after a version conflict.
const MaxMutateAttempts = 5

var (
	ErrNotFound = errors.New("patient not found")
	// ErrContended is returned by Mutate when every attempt lost a version race.
	ErrContended = errors.New("patient record changed concurrently")
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	// FindByID returns (nil, nil) when no patient has the id.
	FindByID(ctx context.Context, id string) (*Patient, error)
	// Update writes p if the stored version still equals p.Version.
	Update(ctx context.Context, p *Patient) error
	// Mutate loads the patient, applies fn and writes the whole record back
	// with compare-and-swap, re-running fn against fresh state on conflict.
	// An error from fn aborts without writing and is returned unchanged.
	Mutate(ctx context.Context, id string, fn func(p *Patient) error) (*Patient, error)
}
