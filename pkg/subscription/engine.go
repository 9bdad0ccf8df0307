package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/observability"
)

// record is a pattern-indexed fan-out target.
type record struct {
	id      uuid.UUID
	pattern string
	sink    Sink
}

// Handle identifies a registered subscription record; Unsubscribe removes
// it from the index synchronously.
type Handle struct {
	id     uuid.UUID
	engine *Engine
}

// Unsubscribe removes this handle's record from the engine. Safe to call
// more than once.
func (h Handle) Unsubscribe() {
	if h.engine == nil {
		return
	}
	h.engine.remove(h.id)
}

// ID returns the handle's subscription identifier, for introspection.
func (h Handle) ID() uuid.UUID { return h.id }

// Engine is the topic-matched fan-out index. It is shared between
// Subscribe/Unsubscribe (caller-driven) and Publish (the Hub's receive
// loop on Event envelopes); a single sync.RWMutex with short critical
// sections protects it so registration never serializes the receive
// loop for long.
type Engine struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*record
	observer observability.Observer
}

// New creates an empty Engine.
func New(observer observability.Observer) *Engine {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Engine{
		records:  make(map[uuid.UUID]*record),
		observer: observer,
	}
}

// Subscribe inserts (new id, pattern, sink) into the index and returns a
// handle. ValidatePattern's registration-time rejection of a non-final
// '#' applies here.
func (e *Engine) Subscribe(pattern string, sink Sink) (Handle, error) {
	if sink == nil {
		return Handle{}, ErrSinkUnavailable
	}
	if err := ValidatePattern(pattern); err != nil {
		return Handle{}, err
	}

	id := uuid.Must(uuid.NewV7())
	e.mu.Lock()
	e.records[id] = &record{id: id, pattern: pattern, sink: sink}
	e.mu.Unlock()

	e.observer.OnEvent(context.Background(), observability.Event{
		Type:  "subscription.create",
		Level: observability.LevelInfo,
		Data:  map[string]any{"pattern": pattern, "id": id.String()},
	})

	return Handle{id: id, engine: e}, nil
}

func (e *Engine) remove(id uuid.UUID) {
	e.mu.Lock()
	_, existed := e.records[id]
	delete(e.records, id)
	e.mu.Unlock()

	if existed {
		e.observer.OnEvent(context.Background(), observability.Event{
			Type:  "subscription.drop",
			Level: observability.LevelInfo,
			Data:  map[string]any{"id": id.String()},
		})
	}
}

// Unsubscribe removes the record matching handle; equivalent to
// handle.Unsubscribe().
func (e *Engine) Unsubscribe(h Handle) {
	h.Unsubscribe()
}

// Publish evaluates topic against every registered pattern and attempts
// exactly one delivery per matching record. Overlapping patterns are not
// deduplicated: a topic matching two records gets two delivery attempts.
// Returns the number of records that accepted delivery.
func (e *Engine) Publish(ctx context.Context, topic string, payload []byte) int {
	e.mu.RLock()
	matched := make([]*record, 0, len(e.records))
	for _, r := range e.records {
		if Matches(r.pattern, topic) {
			matched = append(matched, r)
		}
	}
	e.mu.RUnlock()

	delivered := 0
	for _, r := range matched {
		if r.sink.Deliver(ctx, payload) {
			delivered++
		}
	}
	return delivered
}

// Patterns lists every registered pattern, for introspection.
func (e *Engine) Patterns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.pattern)
	}
	return out
}

// Count reports the number of active pattern subscriptions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// ErrSinkUnavailable is returned when a pattern cannot be registered
// because its sink is nil.
var ErrSinkUnavailable = meshbuserr.New(meshbuserr.KindInvalidRequest, "subscription: sink must be non-nil")
