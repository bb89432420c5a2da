package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthbridge/healthbridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres stores every collection in the documents table (see
// migrations/001_documents.sql) with the body in a JSONB column.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const docCols = `id, version, data, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	var data []byte
	if err := row.Scan(&d.ID, &d.Version, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Document{}, err
	}
	d.Data = json.RawMessage(data)
	return d, nil
}

func (s *Postgres) Create(ctx context.Context, collection, id string, data any) (Document, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	doc, err := scanDocument(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO documents (collection, id, version, data)
		VALUES ($1, $2, 1, $3)
		RETURNING `+docCols,
		collection, id, body))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Document{}, ErrAlreadyExists
		}
		return Document{}, fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := scanDocument(s.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM documents WHERE collection = $1 AND id = $2`, collection, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *Postgres) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (Document, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}

	doc, err := scanDocument(s.conn(ctx).QueryRow(ctx, `
		UPDATE documents SET data = $4, version = version + 1, updated_at = NOW()
		WHERE collection = $1 AND id = $2 AND version = $3
		RETURNING `+docCols,
		collection, id, expectedVersion, body))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	// No row matched: tell a missing document apart from a stale version.
	var exists bool
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		collection, id).Scan(&exists); err != nil {
		return Document{}, fmt.Errorf("check %s/%s: %w", collection, id, err)
	}
	if !exists {
		return Document{}, ErrNotFound
	}
	return Document{}, ErrVersionConflict
}

func (s *Postgres) Delete(ctx context.Context, collection, id string) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildFindQuery compiles filters into JSONB containment predicates.
func buildFindQuery(collection string, filters []Filter) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + docCols + ` FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, f := range filters {
		frag, err := json.Marshal(filterDocument(f))
		if err != nil {
			return "", nil, fmt.Errorf("encode filter on %s: %w", f.Field, err)
		}
		args = append(args, frag)
		fmt.Fprintf(&b, ` AND data @> $%d::jsonb`, len(args))
	}
	b.WriteString(` ORDER BY created_at, id`)
	return b.String(), args, nil
}

func (s *Postgres) Find(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	query, args, err := buildFindQuery(collection, filters)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
