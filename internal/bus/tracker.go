package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"syncline/internal/domain"
)

// Tracker remembers which event ids were already processed and how deep each
// event sits in its causation chain. Entries age out of a bounded LRU after
// the configured TTL, sized to outlive one reconciliation cycle.
type Tracker struct {
	seen     *expirable.LRU[string, struct{}]
	depth    *expirable.LRU[string, int]
	maxDepth int
}

func NewTracker(size int, ttl time.Duration, maxDepth int) *Tracker {
	return &Tracker{
		seen:     expirable.NewLRU[string, struct{}](size, nil, ttl),
		depth:    expirable.NewLRU[string, int](size, nil, ttl),
		maxDepth: maxDepth,
	}
}

// ShouldProcess returns true at most once per event id; every later call for
// the same id reports false until the entry ages out.
func (t *Tracker) ShouldProcess(eventID string) bool {
	if t.seen.Contains(eventID) {
		return false
	}
	t.seen.Add(eventID, struct{}{})
	return true
}

// Seen reports whether an event id has been processed without marking it.
func (t *Tracker) Seen(eventID string) bool {
	return t.seen.Contains(eventID)
}

// Preload marks event ids as already processed; used to restore the dedup
// snapshot after a restart.
func (t *Tracker) Preload(eventIDs []string) {
	for _, id := range eventIDs {
		t.seen.Add(id, struct{}{})
	}
}

// Admit checks an event against the dedup set and the causation depth cap.
// It returns domain.ErrDuplicateEvent for replays and a CircularEventError
// for chains deeper than the configured maximum.
func (t *Tracker) Admit(evt domain.Event) error {
	depth := 0
	if evt.CausationID != "" {
		parent, ok := t.depth.Get(evt.CausationID)
		if !ok {
			parent = 0
		}
		depth = parent + 1
	}
	if depth > t.maxDepth {
		return &domain.CircularEventError{EventID: evt.EventID, Depth: depth, MaxDepth: t.maxDepth}
	}
	if !t.ShouldProcess(evt.EventID) {
		return domain.ErrDuplicateEvent
	}
	t.depth.Add(evt.EventID, depth)
	return nil
}
