package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncline/internal/domain"
)

// Handler executes one item of its registered type. Items in a batch run
// serially through the handler; a failure only affects that item.
type Handler func(ctx context.Context, item domain.QueueItem) error

type Options struct {
	Size       int
	Delay      time.Duration
	MaxWait    time.Duration
	MaxRetries int
}

// Queue coalesces small mutations into grouped, priority-ordered, debounced
// flushes. Groups flush in parallel across types and serially within a type;
// a type never has two overlapping flushes.
type Queue struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	types    map[string]*typeState
	dead     []domain.QueueItem
	seq      uint64
	closed   bool
	wg       sync.WaitGroup
}

type typeState struct {
	items        []queued
	delayTimer   *time.Timer
	maxWaitTimer *time.Timer
	flushing     bool
	forceNext    bool
}

type queued struct {
	item domain.QueueItem
	seq  uint64
}

func New(opts Options, logger zerolog.Logger) *Queue {
	return &Queue{
		opts:     opts,
		log:      logger,
		now:      time.Now,
		handlers: map[string]Handler{},
		types:    map[string]*typeState{},
	}
}

// Register binds a handler to an item type. Enqueue rejects unknown types.
func (q *Queue) Register(itemType string, h Handler) {
	q.mu.Lock()
	q.handlers[itemType] = h
	q.mu.Unlock()
}

// Enqueue adds one mutation to the current window for its type and returns
// the item id.
func (q *Queue) Enqueue(itemType string, payload map[string]any, priority domain.Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", domain.ErrQueueClosed
	}
	if _, ok := q.handlers[itemType]; !ok {
		return "", &domain.ValidationError{Field: "type", Reason: "no handler registered for " + itemType}
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	item := domain.QueueItem{
		ID:         uuid.New().String(),
		Type:       itemType,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: q.now(),
	}
	st := q.types[itemType]
	if st == nil {
		st = &typeState{}
		q.types[itemType] = st
	}
	q.seq++
	st.items = append(st.items, queued{item: item, seq: q.seq})

	if len(st.items) >= q.opts.Size && !st.flushing {
		q.startFlushLocked(itemType, st)
		return item.ID, nil
	}
	if st.delayTimer == nil && !st.flushing {
		st.delayTimer = time.AfterFunc(q.opts.Delay, func() { q.timerFlush(itemType, false) })
	}
	if st.maxWaitTimer == nil {
		st.maxWaitTimer = time.AfterFunc(q.opts.MaxWait, func() { q.timerFlush(itemType, true) })
	}
	return item.ID, nil
}

// timerFlush fires from a delay or max-wait timer. The max-wait path is the
// starvation guard: if a flush is already running it forces the next window
// to start immediately once the current one completes.
func (q *Queue) timerFlush(itemType string, force bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.types[itemType]
	if st == nil || len(st.items) == 0 {
		return
	}
	if st.flushing {
		if force {
			st.forceNext = true
		}
		return
	}
	q.startFlushLocked(itemType, st)
}

func (q *Queue) startFlushLocked(itemType string, st *typeState) {
	if st.delayTimer != nil {
		st.delayTimer.Stop()
		st.delayTimer = nil
	}
	if st.maxWaitTimer != nil {
		st.maxWaitTimer.Stop()
		st.maxWaitTimer = nil
	}
	batch := st.items
	st.items = nil
	st.flushing = true
	st.forceNext = false

	sort.SliceStable(batch, func(i, j int) bool {
		wi, wj := batch[i].item.Priority.Weight(), batch[j].item.Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return batch[i].seq < batch[j].seq
	})

	handler := q.handlers[itemType]
	q.wg.Add(1)
	go q.runFlush(itemType, st, batch, handler)
}

func (q *Queue) runFlush(itemType string, st *typeState, batch []queued, handler Handler) {
	defer q.wg.Done()
	ctx := context.Background()
	for _, entry := range batch {
		item := entry.item
		err := handler(ctx, item)
		if err == nil {
			continue
		}
		item.Attempts++
		item.LastError = err.Error()
		if item.Attempts > q.opts.MaxRetries {
			q.mu.Lock()
			q.dead = append(q.dead, item)
			q.mu.Unlock()
			q.log.Warn().Str("item_id", item.ID).Str("type", item.Type).
				Int("attempts", item.Attempts).Err(err).Msg("batch item dead-lettered")
			continue
		}
		q.requeue(itemType, item)
	}

	q.mu.Lock()
	st.flushing = false
	if len(st.items) > 0 {
		if st.forceNext {
			q.startFlushLocked(itemType, st)
		} else {
			q.rearmLocked(itemType, st)
		}
	}
	q.mu.Unlock()
}

// requeue puts a failed item back for the next window, keeping its original
// enqueue time so the starvation guard still applies to it.
func (q *Queue) requeue(itemType string, item domain.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.types[itemType]
	q.seq++
	st.items = append(st.items, queued{item: item, seq: q.seq})
	if !st.flushing {
		q.rearmLocked(itemType, st)
	}
}

func (q *Queue) rearmLocked(itemType string, st *typeState) {
	if st.delayTimer == nil {
		st.delayTimer = time.AfterFunc(q.opts.Delay, func() { q.timerFlush(itemType, false) })
	}
	if st.maxWaitTimer == nil {
		oldest := st.items[0].item.EnqueuedAt
		for _, e := range st.items[1:] {
			if e.item.EnqueuedAt.Before(oldest) {
				oldest = e.item.EnqueuedAt
			}
		}
		remaining := q.opts.MaxWait - q.now().Sub(oldest)
		if remaining < 0 {
			remaining = 0
		}
		st.maxWaitTimer = time.AfterFunc(remaining, func() { q.timerFlush(itemType, true) })
	}
}

// DeadLetters returns items that exhausted their retry budget.
func (q *Queue) DeadLetters() []domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueueItem, len(q.dead))
	copy(out, q.dead)
	return out
}

// Pending reports how many items of a type await the next flush.
func (q *Queue) Pending(itemType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.types[itemType]
	if st == nil {
		return 0
	}
	return len(st.items)
}

// Flush forces every pending window to execute now and waits for all
// in-flight flushes to finish.
func (q *Queue) Flush() {
	q.mu.Lock()
	for itemType, st := range q.types {
		if len(st.items) > 0 && !st.flushing {
			q.startFlushLocked(itemType, st)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Close stops accepting items, flushes what is pending and waits.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Flush()
}
