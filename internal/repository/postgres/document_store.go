package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/repository"
)

// DocumentStore implements repository.DocumentStore on the documents table.
type DocumentStore struct{ db *DB }

var _ repository.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore constructs a document store.
func NewDocumentStore(db *DB) *DocumentStore { return &DocumentStore{db: db} }

// isNull reports whether a stored value is the lock placeholder.
func isNull(v []byte) bool { return len(v) == 0 || string(v) == "null" }

// Get selects the document at key.
func (s *DocumentStore) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM documents WHERE key=$1`
	var v []byte
	if err := s.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, storageErr("get "+key, err)
	}
	if isNull(v) {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// Put upserts the document at key.
func (s *DocumentStore) Put(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO documents (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err := s.db.Pool.Exec(ctx, q, key, value); err != nil {
		return storageErr("put "+key, err)
	}
	return nil
}

// Update locks the row for key (creating a placeholder when absent), applies fn and
// writes the result in the same transaction.
func (s *DocumentStore) Update(ctx context.Context, key string, fn repository.UpdateFunc) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = storageErr("commit", e)
		}
	}()

	const ins = `INSERT INTO documents (key, value) VALUES ($1, 'null'::jsonb) ON CONFLICT (key) DO NOTHING`
	const sel = `SELECT value FROM documents WHERE key=$1 FOR UPDATE`
	const upd = `UPDATE documents SET value=$2, updated_at=now() WHERE key=$1`

	if _, err = tx.Exec(ctx, ins, key); err != nil {
		return storageErr("lock "+key, err)
	}
	var cur []byte
	if err = tx.QueryRow(ctx, sel, key).Scan(&cur); err != nil {
		return storageErr("select "+key, err)
	}
	if isNull(cur) {
		cur = nil
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if _, err = tx.Exec(ctx, upd, key, next); err != nil {
		return storageErr("update "+key, err)
	}
	return nil
}

// Increment bumps a numeric field in a single statement; the row lock taken by
// ON CONFLICT DO UPDATE serializes concurrent callers.
func (s *DocumentStore) Increment(ctx context.Context, key, field string) (int64, error) {
	const q = `
INSERT INTO documents (key, value, updated_at)
VALUES ($1, jsonb_build_object($2::text, 1), now())
ON CONFLICT (key) DO UPDATE
SET value = jsonb_set(
    CASE WHEN jsonb_typeof(documents.value) = 'object' THEN documents.value ELSE '{}'::jsonb END,
    ARRAY[$2::text],
    to_jsonb(COALESCE((documents.value->>$2::text)::bigint, 0) + 1)),
  updated_at = now()
RETURNING (value->>$2::text)::bigint`
	var n int64
	if err := s.db.Pool.QueryRow(ctx, q, key, field).Scan(&n); err != nil {
		return 0, storageErr("increment "+key, err)
	}
	return n, nil
}

// Delete removes the document at key.
func (s *DocumentStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM documents WHERE key=$1`
	if _, err := s.db.Pool.Exec(ctx, q, key); err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}
