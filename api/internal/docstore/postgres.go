package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credit-card-platform/shared/dbx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	doc_key TEXT NOT NULL,
	revision BIGINT NOT NULL CHECK (revision >= 1),
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, doc_key)
);
CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (collection, (body->>'status'));
`

// DBTX is the subset of pgx shared by pools and transactions.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, collection string, key string) (Document, error) {
	return getPostgres(ctx, s.pool, collection, key)
}

func getPostgres(ctx context.Context, db DBTX, collection string, key string) (Document, error) {
	doc := Document{Collection: collection, Key: key}
	var body string
	err := db.QueryRow(ctx, `
		SELECT revision, body::text
		FROM documents
		WHERE collection = $1 AND doc_key = $2
	`, collection, key).Scan(&doc.Revision, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	doc.Body = json.RawMessage(body)
	return doc, nil
}

func (s *PostgresStore) Commit(ctx context.Context, writes []Write) ([]Document, error) {
	if err := validateWrites(writes); err != nil {
		return nil, err
	}
	out := make([]Document, len(writes))
	err := dbx.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var conflicts []Conflict
		for _, iw := range sortWrites(writes) {
			w := iw.write
			ok, err := applyPostgres(ctx, tx, w)
			if err != nil {
				return fmt.Errorf("apply %s/%s: %w", w.Collection, w.Key, err)
			}
			if !ok {
				actual := int64(0)
				if current, err := getPostgres(ctx, tx, w.Collection, w.Key); err == nil {
					actual = current.Revision
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				conflicts = append(conflicts, Conflict{Collection: w.Collection, Key: w.Key, Expected: w.ExpectRevision, Actual: actual})
				continue
			}
			doc := Document{Collection: w.Collection, Key: w.Key}
			if !w.Delete {
				doc.Revision = w.ExpectRevision + 1
				doc.Body = w.Body
			}
			out[iw.index] = doc
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyPostgres(ctx context.Context, tx DBTX, w Write) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case w.Delete:
		tag, err = tx.Exec(ctx, `
			DELETE FROM documents
			WHERE collection = $1 AND doc_key = $2 AND revision = $3
		`, w.Collection, w.Key, w.ExpectRevision)
	case w.ExpectRevision == 0:
		tag, err = tx.Exec(ctx, `
			INSERT INTO documents (collection, doc_key, revision, body, updated_at)
			VALUES ($1, $2, 1, $3::jsonb, now())
			ON CONFLICT (collection, doc_key) DO NOTHING
		`, w.Collection, w.Key, string(w.Body))
	default:
		tag, err = tx.Exec(ctx, `
			UPDATE documents
			SET revision = revision + 1, body = $4::jsonb, updated_at = now()
			WHERE collection = $1 AND doc_key = $2 AND revision = $3
		`, w.Collection, w.Key, w.ExpectRevision, string(w.Body))
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Scan(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString("SELECT doc_key, revision, body::text FROM documents WHERE collection = $1")
	for _, f := range q.Filters {
		str, num, _ := normalizeValue(f.Value)
		if isNumeric(f.Value) {
			args = append(args, num)
			fmt.Fprintf(&sb, " AND (body->>'%s')::bigint %s $%d", f.Field, f.Op, len(args))
		} else {
			args = append(args, str)
			fmt.Fprintf(&sb, " AND body->>'%s' %s $%d", f.Field, f.Op, len(args))
		}
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY COALESCE((body->>'%s')::bigint, 0) %s, doc_key %s", q.OrderBy, dir, dir)
	} else {
		fmt.Fprintf(&sb, " ORDER BY doc_key %s", dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([]Document, 0)
	for rows.Next() {
		doc := Document{Collection: collection}
		var body string
		if err := rows.Scan(&doc.Key, &doc.Revision, &body); err != nil {
			return nil, err
		}
		doc.Body = json.RawMessage(body)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
