package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncline/internal/domain"
)

// Memory is an in-process Store used by tests and as the live representation
// of a domain store that persists elsewhere.
type Memory struct {
	id  string
	Now func() time.Time

	mu     sync.RWMutex
	values map[string]map[string]any
	subs   map[int]subscription
	nextID int
}

type subscription struct {
	kind    string
	handler Handler
}

func NewMemory(id string) *Memory {
	return &Memory{
		id:     id,
		Now:    time.Now,
		values: map[string]map[string]any{},
		subs:   map[int]subscription{},
	}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	if !ok {
		return nil, false, nil
	}
	return deepCopy(v), true, nil
}

func (m *Memory) Set(ctx context.Context, id string, value map[string]any) error {
	m.mu.Lock()
	m.values[id] = deepCopy(value)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Subscribe(kind string, h Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = subscription{kind: kind, handler: h}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Emit stamps a fresh event id and delivers synchronously, in registration
// order, to every subscriber matching kind.
func (m *Memory) Emit(ctx context.Context, kind string, payload map[string]any) domain.Event {
	evt := domain.Event{
		EventID:     uuid.New().String(),
		Kind:        kind,
		SourceStore: m.id,
		Payload:     deepCopy(payload),
		EmittedAt:   m.Now().UTC().Format(time.RFC3339),
	}
	m.deliver(ctx, evt)
	return evt
}

// Replay re-delivers an existing event without assigning a new id. Used by
// tests to model redelivery of the identical event.
func (m *Memory) Replay(ctx context.Context, evt domain.Event) {
	m.deliver(ctx, evt)
}

func (m *Memory) deliver(ctx context.Context, evt domain.Event) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		s := m.subs[id]
		if s.kind == "" || s.kind == evt.Kind {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
}
