package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"syncline/internal/batch"
	"syncline/internal/domain"
)

type recorder struct {
	mu    sync.Mutex
	items []domain.QueueItem
	fail  func(item domain.QueueItem) error
}

func (r *recorder) handle(ctx context.Context, item domain.QueueItem) error {
	if r.fail != nil {
		if err := r.fail(item); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
	return nil
}

func (r *recorder) handled() []domain.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.QueueItem, len(r.items))
	copy(out, r.items)
	return out
}

func newQueue(t *testing.T, opts batch.Options, rec *recorder) *batch.Queue {
	t.Helper()
	q := batch.New(opts, zerolog.Nop())
	q.Register("mutation", rec.handle)
	t.Cleanup(q.Close)
	return q
}

func TestFlushOnSize(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, batch.Options{Size: 2, Delay: time.Hour, MaxWait: time.Hour}, rec)
	if _, err := q.Enqueue("mutation", map[string]any{"n": 1}, domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("mutation", map[string]any{"n": 2}, domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Flush()
	if got := len(rec.handled()); got != 2 {
		t.Fatalf("expected both items flushed on size, got %d", got)
	}
	if q.Pending("mutation") != 0 {
		t.Fatalf("expected empty window after flush")
	}
}

func TestFlushOnDelay(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, batch.Options{Size: 100, Delay: 10 * time.Millisecond, MaxWait: time.Hour}, rec)
	if _, err := q.Enqueue("mutation", map[string]any{}, domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.handled()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("delay timer never flushed the item")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushOnMaxWait(t *testing.T) {
	// Delay never fires before MaxWait here, so only the starvation guard can
	// flush the item.
	rec := &recorder{}
	q := newQueue(t, batch.Options{Size: 100, Delay: time.Hour, MaxWait: 20 * time.Millisecond}, rec)
	if _, err := q.Enqueue("mutation", map[string]any{}, domain.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.handled()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("max-wait guard never flushed the item")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPriorityOrdering(t *testing.T) {
	rec := &recorder{}
	q := newQueue(t, batch.Options{Size: 100, Delay: time.Hour, MaxWait: time.Hour}, rec)
	_, _ = q.Enqueue("mutation", map[string]any{"tag": "low"}, domain.PriorityLow)
	_, _ = q.Enqueue("mutation", map[string]any{"tag": "normal-1"}, domain.PriorityNormal)
	_, _ = q.Enqueue("mutation", map[string]any{"tag": "high"}, domain.PriorityHigh)
	_, _ = q.Enqueue("mutation", map[string]any{"tag": "normal-2"}, domain.PriorityNormal)
	q.Flush()
	got := rec.handled()
	want := []string{"high", "normal-1", "normal-2", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, item := range got {
		if tag := item.Payload["tag"]; tag != want[i] {
			t.Fatalf("position %d: want %s, got %v", i, want[i], tag)
		}
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	rec := &recorder{fail: func(item domain.QueueItem) error {
		return errors.New("store unavailable")
	}}
	q := newQueue(t, batch.Options{Size: 1, Delay: time.Hour, MaxWait: time.Hour, MaxRetries: 1}, rec)
	id, err := q.Enqueue("mutation", map[string]any{}, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// First flush fails and requeues, second exhausts the retry budget.
	q.Flush()
	q.Flush()
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
	if dead[0].ID != id || dead[0].Attempts != 2 {
		t.Fatalf("unexpected dead letter: %+v", dead[0])
	}
	if dead[0].LastError == "" {
		t.Fatalf("dead letter should carry the last error")
	}
}

func TestFailedItemDoesNotBlockSiblings(t *testing.T) {
	rec := &recorder{fail: func(item domain.QueueItem) error {
		if bad, _ := item.Payload["bad"].(bool); bad {
			return errors.New("rejected")
		}
		return nil
	}}
	q := newQueue(t, batch.Options{Size: 100, Delay: time.Hour, MaxWait: time.Hour}, rec)
	_, _ = q.Enqueue("mutation", map[string]any{"bad": true}, domain.PriorityHigh)
	_, _ = q.Enqueue("mutation", map[string]any{"bad": false}, domain.PriorityNormal)
	q.Flush()
	if len(rec.handled()) != 1 {
		t.Fatalf("healthy sibling should still flush")
	}
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("failing item should dead-letter with zero retries")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := batch.New(batch.Options{Size: 1, Delay: time.Hour, MaxWait: time.Hour}, zerolog.Nop())
	if _, err := q.Enqueue("unknown", nil, domain.PriorityNormal); err == nil {
		t.Fatalf("expected rejection for unregistered type")
	}
	q.Close()
	q.Register("mutation", func(ctx context.Context, item domain.QueueItem) error { return nil })
	if _, err := q.Enqueue("mutation", nil, domain.PriorityNormal); !errors.Is(err, domain.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
