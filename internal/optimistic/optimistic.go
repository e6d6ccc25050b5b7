package optimistic

import (
	"context"
	"sync"

	"syncline/internal/domain"
)

// CommitFunc performs the authoritative write and returns the actual value.
type CommitFunc func(ctx context.Context) (any, error)

// Manager applies a tentative local value immediately and reconciles it with
// the authoritative write once the commit completes. Local state is never
// left at a stale tentative value: it ends up as either the prior value or
// the confirmed actual value.
type Manager struct {
	mu     sync.Mutex
	values map[string]any
	gens   map[string]uint64
	ops    map[string]domain.OptimisticOperation
}

func New() *Manager {
	return &Manager{
		values: map[string]any{},
		gens:   map[string]uint64{},
		ops:    map[string]domain.OptimisticOperation{},
	}
}

// Current returns the value readers observe right now, tentative or settled.
func (m *Manager) Current(id string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id]
	return v, ok
}

// Operation returns the last operation recorded for id.
func (m *Manager) Operation(id string) (domain.OptimisticOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	return op, ok
}

// Seed sets the settled value for id without an operation, e.g. on load.
func (m *Manager) Seed(id string, value any) {
	m.mu.Lock()
	m.values[id] = value
	m.mu.Unlock()
}

// Apply makes tentative visible synchronously, then runs commit. On success
// the actual value replaces the tentative one (Confirmed); on failure the
// prior value is restored exactly (Reverted) and the error is returned. A
// later Apply for the same id supersedes this one: the in-flight commit is
// not cancelled, but its outcome no longer touches local state.
func (m *Manager) Apply(ctx context.Context, id string, tentative any, commit CommitFunc) (any, error) {
	m.mu.Lock()
	prev, hadPrev := m.values[id]
	m.gens[id]++
	gen := m.gens[id]
	m.values[id] = tentative
	m.ops[id] = domain.OptimisticOperation{
		ID:        id,
		Previous:  prev,
		Tentative: tentative,
		Status:    domain.OpPending,
	}
	m.mu.Unlock()

	actual, err := commit(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	superseded := m.gens[id] != gen
	if superseded {
		// Result discarded; a newer Apply owns the local state now.
		return actual, err
	}
	op := m.ops[id]
	if err != nil {
		if hadPrev {
			m.values[id] = prev
		} else {
			delete(m.values, id)
		}
		op.Status = domain.OpReverted
		m.ops[id] = op
		return nil, err
	}
	m.values[id] = actual
	op.Status = domain.OpConfirmed
	m.ops[id] = op
	return actual, nil
}
