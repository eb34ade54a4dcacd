// Package outbox is the durable event log written in the same commit as the
// state change that produced each event, and the dispatcher that drains it.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/apperr"
	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/models"
	"credit-card-platform/shared/metricsx"
	"credit-card-platform/shared/workflow"
)

const (
	EventsCollection    = "outbox_events"
	SequencesCollection = "outbox_sequences"
)

var ErrInvalidTransition = errors.New("outbox: invalid status transition")

type SequenceStrategy string

const (
	// StrategyCounter keeps one counter document per stream and bumps it in
	// the same commit as the event.
	StrategyCounter SequenceStrategy = "counter"
	// StrategyScan reads the highest stored number and relies on the
	// stream/seq key being unique.
	StrategyScan SequenceStrategy = "scan"
)

func ParseStrategy(raw string) (SequenceStrategy, error) {
	switch SequenceStrategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyCounter, "":
		return StrategyCounter, nil
	case StrategyScan:
		return StrategyScan, nil
	default:
		return "", fmt.Errorf("unknown sequence strategy %q", raw)
	}
}

type Config struct {
	Strategy              SequenceStrategy
	MaxAllocationAttempts int
	MaxRetries            int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
}

func DefaultConfig() Config {
	return Config{
		Strategy:              StrategyCounter,
		MaxAllocationAttempts: 10,
		MaxRetries:            5,
		BaseDelay:             10 * time.Second,
		MaxDelay:              5 * time.Minute,
	}
}

// NewEvent is an event before it has a sequence number.
type NewEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	TenantID   string
	Payload    any
}

func (e NewEvent) stream() string {
	return e.TenantID + "/" + e.EntityType + "/" + e.EntityID
}

type eventDoc struct {
	models.OutboxEvent
	Stream        string `json:"stream"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	NextRetryAtMS int64  `json:"next_retry_at_ms,omitempty"`
}

type counterDoc struct {
	Stream string `json:"stream"`
	Last   int64  `json:"last"`
}

func eventKey(stream string, seq int64) string {
	return fmt.Sprintf("%s/%020d", stream, seq)
}

func keyOf(e models.OutboxEvent) string {
	return eventKey(e.TenantID+"/"+e.EntityType+"/"+e.EntityID, e.SequenceNumber)
}

type Repo struct {
	store docstore.Store
	clock clockwork.Clock
	cfg   Config
}

func NewRepo(store docstore.Store, clock clockwork.Clock, cfg Config) *Repo {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MaxAllocationAttempts <= 0 {
		cfg.MaxAllocationAttempts = def.MaxAllocationAttempts
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Repo{store: store, clock: clock, cfg: cfg}
}

func (r *Repo) Config() Config { return r.cfg }

// IsSequenceConflict reports whether a commit failed only because another
// writer took the next sequence number first.
func IsSequenceConflict(ce *docstore.ConflictError) bool {
	if ce == nil || len(ce.Conflicts) == 0 {
		return false
	}
	for _, c := range ce.Conflicts {
		if c.Collection != EventsCollection && c.Collection != SequencesCollection {
			return false
		}
	}
	return true
}

// PrepareAppend allocates sequence numbers for events and returns the writes
// that persist them. Events sharing a stream get consecutive numbers in
// input order.
func (r *Repo) PrepareAppend(ctx context.Context, events []NewEvent) ([]docstore.Write, []models.OutboxEvent, error) {
	if len(events) == 0 {
		return nil, nil, nil
	}
	now := r.clock.Now().UTC()
	next := make(map[string]int64)
	counters := make(map[string]int64)
	order := make([]string, 0)

	writes := make([]docstore.Write, 0, len(events)+1)
	out := make([]models.OutboxEvent, 0, len(events))
	for _, ev := range events {
		if err := validateNew(ev); err != nil {
			return nil, nil, err
		}
		stream := ev.stream()
		if _, ok := next[stream]; !ok {
			last, rev, err := r.lastSequence(ctx, stream)
			if err != nil {
				return nil, nil, err
			}
			next[stream] = last
			counters[stream] = rev
			order = append(order, stream)
		}
		next[stream]++

		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s payload: %w", ev.EventType, err)
		}
		if ev.Payload == nil {
			payload = json.RawMessage("{}")
		}
		event := models.OutboxEvent{
			EventID:        uuid.NewString(),
			EventType:      ev.EventType,
			EntityType:     ev.EntityType,
			EntityID:       ev.EntityID,
			TenantID:       ev.TenantID,
			SequenceNumber: next[stream],
			Payload:        payload,
			Status:         workflow.OutboxStatusPending,
			CreatedAt:      now,
		}
		w, err := docstore.Put(EventsCollection, eventKey(stream, event.SequenceNumber), 0, toDoc(event))
		if err != nil {
			return nil, nil, err
		}
		writes = append(writes, w)
		out = append(out, event)
	}
	if r.cfg.Strategy == StrategyCounter {
		for _, stream := range order {
			w, err := docstore.Put(SequencesCollection, stream, counters[stream], counterDoc{Stream: stream, Last: next[stream]})
			if err != nil {
				return nil, nil, err
			}
			writes = append(writes, w)
		}
	}
	return writes, out, nil
}

// lastSequence returns the highest allocated number for stream and, for the
// counter strategy, the counter revision the next commit must match.
func (r *Repo) lastSequence(ctx context.Context, stream string) (int64, int64, error) {
	if r.cfg.Strategy == StrategyCounter {
		doc, err := r.store.Get(ctx, SequencesCollection, stream)
		if errors.Is(err, docstore.ErrNotFound) {
			return 0, 0, nil
		}
		if err != nil {
			return 0, 0, err
		}
		var c counterDoc
		if err := doc.Decode(&c); err != nil {
			return 0, 0, err
		}
		return c.Last, doc.Revision, nil
	}
	docs, err := r.store.Scan(ctx, EventsCollection, docstore.Query{
		Filters:    []docstore.Filter{docstore.Eq("stream", stream)},
		OrderBy:    "sequence_number",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return 0, 0, err
	}
	if len(docs) == 0 {
		return 0, 0, nil
	}
	var last eventDoc
	if err := docs[0].Decode(&last); err != nil {
		return 0, 0, err
	}
	return last.SequenceNumber, 0, nil
}

// Append persists one event on its own, retrying lost sequence races.
func (r *Repo) Append(ctx context.Context, ev NewEvent) (models.OutboxEvent, error) {
	for attempt := 1; attempt <= r.cfg.MaxAllocationAttempts; attempt++ {
		writes, events, err := r.PrepareAppend(ctx, []NewEvent{ev})
		if err != nil {
			return models.OutboxEvent{}, err
		}
		docs, err := r.store.Commit(ctx, writes)
		if err == nil {
			event := events[0]
			event.Revision = docs[0].Revision
			return event, nil
		}
		ce, ok := docstore.AsConflict(err)
		if !ok || !IsSequenceConflict(ce) {
			return models.OutboxEvent{}, err
		}
		metricsx.IncSequenceRetry()
	}
	return models.OutboxEvent{}, &apperr.AllocationError{Stream: ev.stream(), Attempts: r.cfg.MaxAllocationAttempts}
}

func validateNew(ev NewEvent) error {
	switch {
	case strings.TrimSpace(ev.TenantID) == "":
		return apperr.Validation("tenant_id", "tenant id is required")
	case strings.TrimSpace(ev.EventType) == "":
		return apperr.Validation("event_type", "event type is required")
	case strings.TrimSpace(ev.EntityType) == "" || strings.TrimSpace(ev.EntityID) == "":
		return apperr.Validation("entity", "entity type and id are required")
	case strings.Contains(ev.EntityType, "/") || strings.Contains(ev.EntityID, "/"):
		return apperr.Validation("entity", "entity type and id must not contain '/'")
	}
	return nil
}

func toDoc(e models.OutboxEvent) eventDoc {
	d := eventDoc{
		OutboxEvent: e,
		Stream:      e.TenantID + "/" + e.EntityType + "/" + e.EntityID,
		CreatedAtMS: e.CreatedAt.UnixMilli(),
	}
	if e.NextRetryAt != nil {
		d.NextRetryAtMS = e.NextRetryAt.UnixMilli()
	}
	return d
}

func fromDoc(doc docstore.Document) (models.OutboxEvent, error) {
	var d eventDoc
	if err := doc.Decode(&d); err != nil {
		return models.OutboxEvent{}, err
	}
	e := d.OutboxEvent
	e.Revision = doc.Revision
	return e, nil
}

func fromDocs(docs []docstore.Document) ([]models.OutboxEvent, error) {
	out := make([]models.OutboxEvent, 0, len(docs))
	for _, doc := range docs {
		e, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
