// Package docstore is the transactional-store capability every repository is
// written against: conditional writes on revisions, atomic multi-key commits
// and filtered scans over top-level JSON body fields.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("docstore: document not found")
	ErrConflict     = errors.New("docstore: precondition failed")
	ErrInvalidWrite = errors.New("docstore: invalid write")
	ErrInvalidQuery = errors.New("docstore: invalid query")
)

type Document struct {
	Collection string
	Key        string
	Revision   int64
	Body       json.RawMessage
}

func (d Document) Decode(dest any) error {
	if len(d.Body) == 0 {
		return fmt.Errorf("decode %s/%s: empty body", d.Collection, d.Key)
	}
	if err := json.Unmarshal(d.Body, dest); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.Key, err)
	}
	return nil
}

// Write is one conditional mutation. ExpectRevision 0 requires the key to be
// absent; any other value must equal the stored revision.
type Write struct {
	Collection     string
	Key            string
	ExpectRevision int64
	Body           json.RawMessage
	Delete         bool
}

func Put(collection string, key string, expectRevision int64, value any) (Write, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Write{}, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return Write{Collection: collection, Key: key, ExpectRevision: expectRevision, Body: body}, nil
}

func Remove(collection string, key string, expectRevision int64) Write {
	return Write{Collection: collection, Key: key, ExpectRevision: expectRevision, Delete: true}
}

type Conflict struct {
	Collection string
	Key        string
	Expected   int64
	Actual     int64
}

type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s/%s expected=%d actual=%d", c.Collection, c.Key, c.Expected, c.Actual))
	}
	return "docstore: precondition failed: " + strings.Join(parts, ", ")
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Find(collection string, key string) (Conflict, bool) {
	for _, c := range e.Conflicts {
		if c.Collection == collection && c.Key == key {
			return c, true
		}
	}
	return Conflict{}, false
}

// InCollection reports whether any conflict touched the collection.
func (e *ConflictError) InCollection(collection string) bool {
	for _, c := range e.Conflicts {
		if c.Collection == collection {
			return true
		}
	}
	return false
}

func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

type Op string

const (
	OpEq  Op = "="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter compares one top-level body field. Value is a string or an integer.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: OpEq, Value: value} }
func Lt(field string, value int64) Filter  { return Filter{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value int64) Filter { return Filter{Field: field, Op: OpLte, Value: value} }
func Gt(field string, value int64) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value int64) Filter { return Filter{Field: field, Op: OpGte, Value: value} }

// Query orders by a numeric field (missing reads as 0) with the key as tie-break.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

type Store interface {
	Get(ctx context.Context, collection string, key string) (Document, error)
	Commit(ctx context.Context, writes []Write) ([]Document, error)
	Scan(ctx context.Context, collection string, q Query) ([]Document, error)
}

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validateWrites(writes []Write) error {
	if len(writes) == 0 {
		return fmt.Errorf("%w: no writes", ErrInvalidWrite)
	}
	seen := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		if strings.TrimSpace(w.Collection) == "" || strings.TrimSpace(w.Key) == "" {
			return fmt.Errorf("%w: collection and key are required", ErrInvalidWrite)
		}
		if w.ExpectRevision < 0 {
			return fmt.Errorf("%w: %s/%s negative revision", ErrInvalidWrite, w.Collection, w.Key)
		}
		id := w.Collection + "\x00" + w.Key
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s/%s written twice", ErrInvalidWrite, w.Collection, w.Key)
		}
		seen[id] = struct{}{}
		if w.Delete {
			if w.ExpectRevision == 0 {
				return fmt.Errorf("%w: delete of %s/%s needs a revision", ErrInvalidWrite, w.Collection, w.Key)
			}
			continue
		}
		trimmed := bytes.TrimSpace(w.Body)
		if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
			return fmt.Errorf("%w: %s/%s body must be a JSON object", ErrInvalidWrite, w.Collection, w.Key)
		}
	}
	return nil
}

type indexedWrite struct {
	index int
	write Write
}

// sortWrites fixes a global apply order so concurrent commits lock rows consistently.
func sortWrites(writes []Write) []indexedWrite {
	out := make([]indexedWrite, len(writes))
	for i, w := range writes {
		out[i] = indexedWrite{index: i, write: w}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].write.Collection != out[j].write.Collection {
			return out[i].write.Collection < out[j].write.Collection
		}
		return out[i].write.Key < out[j].write.Key
	})
	return out
}

func (q Query) validate() error {
	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return fmt.Errorf("%w: field %q", ErrInvalidQuery, f.Field)
		}
		switch f.Op {
		case OpEq, OpLt, OpLte, OpGt, OpGte:
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, f.Op)
		}
		if _, _, err := normalizeValue(f.Value); err != nil {
			return err
		}
	}
	if q.OrderBy != "" && !fieldPattern.MatchString(q.OrderBy) {
		return fmt.Errorf("%w: order field %q", ErrInvalidQuery, q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// normalizeValue returns the filter value as either a string or an int64.
func normalizeValue(v any) (string, int64, error) {
	switch t := v.(type) {
	case string:
		return t, 0, nil
	case int:
		return "", int64(t), nil
	case int32:
		return "", int64(t), nil
	case int64:
		return "", t, nil
	default:
		return "", 0, fmt.Errorf("%w: unsupported value %T", ErrInvalidQuery, v)
	}
}

func isNumeric(v any) bool {
	_, ok := v.(string)
	return !ok
}
