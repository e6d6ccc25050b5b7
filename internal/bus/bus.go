package bus

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"syncline/internal/domain"
)

// Handler consumes an admitted event. Handler errors are isolated: they are
// logged and do not stop delivery to sibling subscribers.
type Handler func(ctx context.Context, evt domain.Event) error

// Journal records every admitted event durably before delivery.
type Journal interface {
	Record(ctx context.Context, evt domain.Event) error
}

// Bus is a typed publish/subscribe fanout with idempotent delivery: replaying
// an event id any number of times produces the side effects of one delivery.
type Bus struct {
	tracker *Tracker
	journal Journal
	log     zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
}

func New(tracker *Tracker, logger zerolog.Logger) *Bus {
	return &Bus{
		tracker: tracker,
		log:     logger,
		subs:    map[string]map[int]Handler{},
	}
}

// AttachJournal enables durable journaling of admitted events.
func (b *Bus) AttachJournal(j Journal) { b.journal = j }

// Tracker exposes the dedup tracker for snapshot load/save.
func (b *Bus) Tracker() *Tracker { return b.tracker }

// Subscribe registers h for events of the given kind. An empty kind matches
// every event. The returned func deregisters the handler.
func (b *Bus) Subscribe(kind string, h Handler) func() {
	b.mu.Lock()
	if b.subs[kind] == nil {
		b.subs[kind] = map[int]Handler{}
	}
	id := b.nextID
	b.nextID++
	b.subs[kind][id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs[kind], id)
		b.mu.Unlock()
	}
}

// Publish delivers evt synchronously and in subscription order to all
// handlers matching its kind. Duplicates are rejected with
// domain.ErrDuplicateEvent; causation chains over the depth cap are dropped
// with a CircularEventError.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.EventID == "" {
		return &domain.ValidationError{Field: "eventId", Reason: "required"}
	}
	if evt.Kind == "" {
		return &domain.ValidationError{Field: "kind", Reason: "required"}
	}
	if err := b.tracker.Admit(evt); err != nil {
		var circ *domain.CircularEventError
		switch {
		case errors.As(err, &circ):
			b.log.Warn().Str("event_id", evt.EventID).Str("kind", evt.Kind).
				Int("depth", circ.Depth).Int("max_depth", circ.MaxDepth).
				Msg("causation chain capped, event dropped")
		case errors.Is(err, domain.ErrDuplicateEvent):
			b.log.Debug().Str("event_id", evt.EventID).Str("kind", evt.Kind).
				Msg("duplicate event rejected")
		}
		return err
	}
	if b.journal != nil {
		if err := b.journal.Record(ctx, evt); err != nil {
			b.log.Error().Err(err).Str("event_id", evt.EventID).Msg("journal append failed")
		}
	}
	for _, h := range b.handlersFor(evt.Kind) {
		if err := h(ctx, evt); err != nil {
			b.log.Error().Err(err).Str("event_id", evt.EventID).Str("kind", evt.Kind).
				Msg("subscriber failed")
		}
	}
	return nil
}

func (b *Bus) handlersFor(kind string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []int
	pick := map[int]Handler{}
	for _, k := range []string{kind, ""} {
		for id, h := range b.subs[k] {
			ids = append(ids, id)
			pick[id] = h
		}
	}
	sort.Ints(ids)
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, pick[id])
	}
	return out
}
