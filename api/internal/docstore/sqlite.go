package docstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"credit-card-platform/shared/dbx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path (or ":memory:") and applies the embedded migrations.
// A single connection serializes commits the way SQLite's writer lock would.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, collection string, key string) (Document, error) {
	doc := Document{Collection: collection, Key: key}
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, body FROM documents WHERE collection = ? AND doc_key = ?
	`, collection, key).Scan(&doc.Revision, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	doc.Body = json.RawMessage(body)
	return doc, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, writes []Write) ([]Document, error) {
	if err := validateWrites(writes); err != nil {
		return nil, err
	}
	out := make([]Document, len(writes))
	now := time.Now().UTC().UnixMilli()
	err := dbx.InSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		var conflicts []Conflict
		for _, iw := range sortWrites(writes) {
			w := iw.write
			var (
				res sql.Result
				err error
			)
			switch {
			case w.Delete:
				res, err = tx.ExecContext(ctx, `
					DELETE FROM documents WHERE collection = ? AND doc_key = ? AND revision = ?
				`, w.Collection, w.Key, w.ExpectRevision)
			case w.ExpectRevision == 0:
				res, err = tx.ExecContext(ctx, `
					INSERT INTO documents (collection, doc_key, revision, body, updated_at)
					VALUES (?, ?, 1, ?, ?)
					ON CONFLICT (collection, doc_key) DO NOTHING
				`, w.Collection, w.Key, string(w.Body), now)
			default:
				res, err = tx.ExecContext(ctx, `
					UPDATE documents SET revision = revision + 1, body = ?, updated_at = ?
					WHERE collection = ? AND doc_key = ? AND revision = ?
				`, string(w.Body), now, w.Collection, w.Key, w.ExpectRevision)
			}
			if err != nil {
				return fmt.Errorf("apply %s/%s: %w", w.Collection, w.Key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				var actual int64
				err := tx.QueryRowContext(ctx, `
					SELECT revision FROM documents WHERE collection = ? AND doc_key = ?
				`, w.Collection, w.Key).Scan(&actual)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) Scan(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString("SELECT doc_key, revision, body FROM documents WHERE collection = ?")
	for _, f := range q.Filters {
		str, num, _ := normalizeValue(f.Value)
		if isNumeric(f.Value) {
			args = append(args, num)
		} else {
			args = append(args, str)
		}
		fmt.Fprintf(&sb, " AND json_extract(body, '$.%s') %s ?", f.Field, f.Op)
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY COALESCE(json_extract(body, '$.%s'), 0) %s, doc_key %s", q.OrderBy, dir, dir)
	} else {
		fmt.Fprintf(&sb, " ORDER BY doc_key %s", dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT ?")
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
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

// applyMigrations runs each embedded file's "-- +migrate Up" section at most once.
func applyMigrations(db *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
			name TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		content, err := fs.ReadFile(migrations, root+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		err = dbx.InSQLTx(context.Background(), db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(up); err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
			_, err := tx.Exec("INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)", name, time.Now().UTC().UnixMilli())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	content = content[start+len(up):]
	if end := strings.Index(content, down); end != -1 {
		content = content[:end]
	}
	return content
}
