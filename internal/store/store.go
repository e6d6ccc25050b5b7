package store

import (
	"context"

	"syncline/internal/domain"
)

// Handler receives events emitted by a store.
type Handler func(ctx context.Context, evt domain.Event)

// Store is the boundary each domain store (schedule, project/build) must
// expose to the sync engine. Every event a store emits carries a fresh
// event id assigned by the store itself.
type Store interface {
	ID() string
	Get(ctx context.Context, id string) (map[string]any, bool, error)
	Set(ctx context.Context, id string, value map[string]any) error
	// Keys enumerates record ids; the consistency validator scans with it.
	Keys(ctx context.Context) ([]string, error)
	// Subscribe registers h for events of the given kind ("" matches all).
	// The returned func deregisters the handler.
	Subscribe(kind string, h Handler) func()
	// Emit publishes a domain event to subscribers, stamping a fresh event
	// id, the store id and the emission time.
	Emit(ctx context.Context, kind string, payload map[string]any) domain.Event
}

// deepCopy clones a JSON-shaped value so callers never alias store state.
func deepCopy(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
