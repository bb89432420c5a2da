package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memDoc struct {
	version   int64
	data      []byte
	tree      any
	createdAt time.Time
	updatedAt time.Time
	seq       uint64
}

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// Memory is an in-process Store. Writers are serialized, and a transaction
// holds the writer lock until it commits or rolls back, so concurrent
// read-modify-write callers still observe version conflicts.
type Memory struct {
	txMu        sync.Mutex
	mu          sync.RWMutex
	collections map[string]map[string]*memDoc
	seq         uint64
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]*memDoc)}
}

func normalize(data any) ([]byte, any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("encode document: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, nil, fmt.Errorf("normalize document: %w", err)
	}
	return raw, tree, nil
}

func (d *memDoc) document(id string) Document {
	data := make([]byte, len(d.data))
	copy(data, d.data)
	return Document{
		ID:        id,
		Version:   d.version,
		Data:      data,
		CreatedAt: d.createdAt,
		UpdatedAt: d.updatedAt,
	}
}

// write runs fn under the writer lock unless ctx already belongs to a
// transaction, which holds that lock for its whole lifetime.
func (m *Memory) write(ctx context.Context, fn func(tx *memTx) error) error {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx == nil {
		m.txMu.Lock()
		defer m.txMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(tx)
}

// put replaces the entry and records how to restore the previous one.
func (m *Memory) put(tx *memTx, collection, id string, doc *memDoc) {
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]*memDoc)
		m.collections[collection] = coll
	}
	prev, existed := coll[id]
	if doc == nil {
		delete(coll, id)
	} else {
		coll[id] = doc
	}
	if tx == nil {
		return
	}
	tx.undo = append(tx.undo, func() {
		if existed {
			coll[id] = prev
		} else {
			delete(coll, id)
		}
	})
}

func (m *Memory) Create(ctx context.Context, collection, id string, data any) (Document, error) {
	raw, tree, err := normalize(data)
	if err != nil {
		return Document{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	var out Document
	err = m.write(ctx, func(tx *memTx) error {
		if _, exists := m.collections[collection][id]; exists {
			return ErrAlreadyExists
		}
		now := time.Now().UTC()
		m.seq++
		doc := &memDoc{version: 1, data: raw, tree: tree, createdAt: now, updatedAt: now, seq: m.seq}
		m.put(tx, collection, id, doc)
		out = doc.document(id)
		return nil
	})
	return out, err
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc.document(id), nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (Document, error) {
	raw, tree, err := normalize(data)
	if err != nil {
		return Document{}, err
	}

	var out Document
	err = m.write(ctx, func(tx *memTx) error {
		cur, ok := m.collections[collection][id]
		if !ok {
			return ErrNotFound
		}
		if cur.version != expectedVersion {
			return ErrVersionConflict
		}
		doc := &memDoc{
			version:   cur.version + 1,
			data:      raw,
			tree:      tree,
			createdAt: cur.createdAt,
			updatedAt: time.Now().UTC(),
			seq:       cur.seq,
		}
		m.put(tx, collection, id, doc)
		out = doc.document(id)
		return nil
	})
	return out, err
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	return m.write(ctx, func(tx *memTx) error {
		if _, ok := m.collections[collection][id]; !ok {
			return ErrNotFound
		}
		m.put(tx, collection, id, nil)
		return nil
	})
}

func (m *Memory) Find(_ context.Context, collection string, filters ...Filter) ([]Document, error) {
	subs := make([]any, 0, len(filters))
	for _, f := range filters {
		_, tree, err := normalize(filterDocument(f))
		if err != nil {
			return nil, err
		}
		subs = append(subs, tree)
	}

	m.mu.RLock()
	type hit struct {
		id  string
		doc *memDoc
	}
	var hits []hit
	for id, doc := range m.collections[collection] {
		matched := true
		for _, sub := range subs {
			if !contains(doc.tree, sub) {
				matched = false
				break
			}
		}
		if matched {
			hits = append(hits, hit{id: id, doc: doc})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].doc.seq < hits[j].doc.seq
	})

	out := make([]Document, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.doc.document(h.id))
	}
	return out, nil
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// contains reports whether sub is contained in doc using JSONB containment
// rules: objects match on a subset of keys, arrays match when every element
// of sub is contained in some element of doc, scalars compare by value.
func contains(doc, sub any) bool {
	switch s := sub.(type) {
	case map[string]any:
		d, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		for k, sv := range s {
			dv, ok := d[k]
			if !ok || !contains(dv, sv) {
				return false
			}
		}
		return true
	case []any:
		d, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, sv := range s {
			found := false
			for _, dv := range d {
				if contains(dv, sv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return doc == sub
	}
}
