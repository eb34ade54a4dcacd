package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process. The mutex stands in for the atomic
// commit primitive a database would provide.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]Document)}
}

func (s *MemoryStore) Get(ctx context.Context, collection string, key string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[collection][key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *MemoryStore) Commit(ctx context.Context, writes []Write) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateWrites(writes); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []Conflict
	for _, iw := range sortWrites(writes) {
		w := iw.write
		current, exists := s.docs[w.Collection][w.Key]
		actual := int64(0)
		if exists {
			actual = current.Revision
		}
		if actual != w.ExpectRevision {
			conflicts = append(conflicts, Conflict{Collection: w.Collection, Key: w.Key, Expected: w.ExpectRevision, Actual: actual})
		}
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}

	out := make([]Document, len(writes))
	for i, w := range writes {
		if w.Delete {
			delete(s.docs[w.Collection], w.Key)
			out[i] = Document{Collection: w.Collection, Key: w.Key}
			continue
		}
		col := s.docs[w.Collection]
		if col == nil {
			col = make(map[string]Document)
			s.docs[w.Collection] = col
		}
		doc := Document{
			Collection: w.Collection,
			Key:        w.Key,
			Revision:   w.ExpectRevision + 1,
			Body:       append(json.RawMessage(nil), bytes.TrimSpace(w.Body)...),
		}
		col[w.Key] = doc
		out[i] = cloneDoc(doc)
	}
	return out, nil
}

func (s *MemoryStore) Scan(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	type candidate struct {
		doc   Document
		order int64
	}
	matched := make([]candidate, 0)
	for _, doc := range s.docs[collection] {
		fields, err := decodeFields(doc.Body)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		if !matchAll(fields, q.Filters) {
			continue
		}
		var order int64
		if q.OrderBy != "" {
			order, _ = numericField(fields[q.OrderBy])
		}
		matched = append(matched, candidate{doc: cloneDoc(doc), order: order})
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.order != b.order {
			if q.Descending {
				return a.order > b.order
			}
			return a.order < b.order
		}
		if q.Descending {
			return a.doc.Key > b.doc.Key
		}
		return a.doc.Key < b.doc.Key
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]Document, len(matched))
	for i, c := range matched {
		out[i] = c.doc
	}
	return out, nil
}

func cloneDoc(doc Document) Document {
	doc.Body = append(json.RawMessage(nil), doc.Body...)
	return doc
}

func decodeFields(body json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func matchAll(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(fields[f.Field], f) {
			return false
		}
	}
	return true
}

func matchOne(raw any, f Filter) bool {
	want, wantNum, _ := normalizeValue(f.Value)
	var cmp int
	if isNumeric(f.Value) {
		got, ok := numericField(raw)
		if !ok {
			return false
		}
		switch {
		case got < wantNum:
			cmp = -1
		case got > wantNum:
			cmp = 1
		}
	} else {
		got, ok := raw.(string)
		if !ok {
			return false
		}
		cmp = strings.Compare(got, want)
	}
	switch f.Op {
	case OpEq:
		return cmp == 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

func numericField(raw any) (int64, bool) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}
