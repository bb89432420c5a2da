// Package docstore is a keyed JSON document store with compare-and-swap
// updates. Collections hold whole documents; callers own their schema.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrVersionConflict = errors.New("docstore: version conflict")
	ErrAlreadyExists   = errors.New("docstore: document already exists")
)

// Document is a stored record. Version starts at 1 and increases by one on
// every successful Update.
type Document struct {
	ID        string
	Version   int64
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

type Op int

const (
	// OpEq matches when the top-level field equals Value. Object values match
	// by containment.
	OpEq Op = iota
	// OpArrayContains matches when the top-level array field has an element
	// containing Value.
	OpArrayContains
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

func ArrayContains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// Store is implemented by Memory and Postgres.
type Store interface {
	// Create inserts data under id. An empty id is replaced by a generated UUID.
	Create(ctx context.Context, collection, id string, data any) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update replaces the body only if the stored version equals expectedVersion.
	Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (Document, error)
	Delete(ctx context.Context, collection, id string) error
	// Find returns matching documents ordered by creation time, oldest first.
	Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// RunInTx runs fn so that its writes commit or roll back together.
	// Nested calls join the outer transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}

// filterDocument renders a filter as a JSON containment document.
func filterDocument(f Filter) map[string]any {
	if f.Op == OpArrayContains {
		return map[string]any{f.Field: []any{f.Value}}
	}
	return map[string]any{f.Field: f.Value}
}
