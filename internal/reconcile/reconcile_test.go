package reconcile_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"syncline/internal/domain"
	"syncline/internal/reconcile"
)

var fastDefaults = reconcile.Defaults{
	MaxAttempts: 3,
	Backoff:     time.Millisecond,
	MaxWait:     100 * time.Millisecond,
}

func TestRunCompletes(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	applied := 0
	task, err := m.Run(context.Background(), reconcile.Spec{
		ID: "backfill-1",
		Steps: []reconcile.Step{
			{Name: "copy", Apply: func(ctx context.Context) error { applied++; return nil }},
		},
	}, reconcile.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.Status != domain.TaskCompleted || task.Attempts != 1 || applied != 1 {
		t.Fatalf("unexpected outcome: %+v applied=%d", task, applied)
	}
	if task.FinishedAt == nil {
		t.Fatalf("completed task should carry a finish time")
	}
}

func TestRunBoundedRetries(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	attempts := 0
	task, err := m.Run(context.Background(), reconcile.Spec{
		ID: "flaky",
		Steps: []reconcile.Step{
			{Name: "write", Apply: func(ctx context.Context) error {
				attempts++
				return errors.New("target store down")
			}},
		},
	}, reconcile.Options{})
	var exhausted *domain.RetryExceededError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExceededError, got %v", err)
	}
	if attempts != 3 || task.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d (task %d)", attempts, task.Attempts)
	}
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
}

// Failed attempts roll applied steps back newest-first, so after a terminal
// failure the simulated store is deep-equal to its pre-migration snapshot.
func TestRollbackRestoresState(t *testing.T) {
	state := map[string]string{"a": "1", "b": "2"}
	snapshot := map[string]string{"a": "1", "b": "2"}
	var order []string
	m := reconcile.New(fastDefaults, zerolog.Nop())
	_, err := m.Run(context.Background(), reconcile.Spec{
		ID: "rewrite",
		Steps: []reconcile.Step{
			{
				Name:  "upcase-a",
				Apply: func(ctx context.Context) error { state["a"] = "ONE"; return nil },
				Rollback: func(ctx context.Context) error {
					order = append(order, "undo-a")
					state["a"] = "1"
					return nil
				},
			},
			{
				Name:  "upcase-b",
				Apply: func(ctx context.Context) error { state["b"] = "TWO"; return nil },
				Rollback: func(ctx context.Context) error {
					order = append(order, "undo-b")
					state["b"] = "2"
					return nil
				},
			},
			{
				Name:  "explode",
				Apply: func(ctx context.Context) error { return errors.New("boom") },
			},
		},
	}, reconcile.Options{MaxAttempts: 1})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !reflect.DeepEqual(state, snapshot) {
		t.Fatalf("state not restored: %v", state)
	}
	if len(order) != 2 || order[0] != "undo-b" || order[1] != "undo-a" {
		t.Fatalf("rollback must run newest-first, got %v", order)
	}
}

func TestDuplicateRunJoinsInFlight(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	release := make(chan struct{})
	runs := 0
	spec := reconcile.Spec{
		ID: "slow",
		Steps: []reconcile.Step{
			{Name: "wait", Apply: func(ctx context.Context) error {
				runs++
				<-release
				return nil
			}},
		},
	}
	var wg sync.WaitGroup
	results := make([]domain.MigrationTask, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := m.Run(context.Background(), spec, reconcile.Options{})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
			}
			results[i] = task
		}(i)
	}
	// Let both goroutines reach Run before releasing the step.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if runs != 1 {
		t.Fatalf("duplicate call must join the in-flight run, got %d executions", runs)
	}
	if results[0].Status != domain.TaskCompleted || results[1].Status != domain.TaskCompleted {
		t.Fatalf("both callers should observe completion: %+v", results)
	}
}

func TestShouldMigrate(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	spec := reconcile.Spec{
		ID:    "once",
		Steps: []reconcile.Step{{Name: "noop", Apply: func(ctx context.Context) error { return nil }}},
	}
	ok, err := m.ShouldMigrate(context.Background(), spec)
	if err != nil || !ok {
		t.Fatalf("fresh task should migrate: ok=%v err=%v", ok, err)
	}
	if _, err := m.Run(context.Background(), spec, reconcile.Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	ok, err = m.ShouldMigrate(context.Background(), spec)
	if err != nil || ok {
		t.Fatalf("completed task must not migrate again: ok=%v err=%v", ok, err)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	spec := reconcile.Spec{
		ID: "later",
		Steps: []reconcile.Step{{Name: "noop", Apply: func(ctx context.Context) error {
			t.Errorf("cancelled task must never run")
			return nil
		}}},
	}
	m.Schedule(context.Background(), spec, reconcile.Options{}, 50*time.Millisecond)
	if task, ok := m.Task(context.Background(), "later"); !ok || task.Status != domain.TaskIdle {
		t.Fatalf("scheduled task should be idle, got %+v", task)
	}
	if !m.Cancel("later") {
		t.Fatalf("cancel should succeed before the timer fires")
	}
	if m.Cancel("later") {
		t.Fatalf("second cancel should report nothing to do")
	}
	time.Sleep(80 * time.Millisecond)
	if task, _ := m.Task(context.Background(), "later"); task.Status != domain.TaskIdle {
		t.Fatalf("cancelled task should stay idle, got %s", task.Status)
	}
}

func TestScheduleFires(t *testing.T) {
	m := reconcile.New(fastDefaults, zerolog.Nop())
	done := make(chan struct{})
	m.Schedule(context.Background(), reconcile.Spec{
		ID: "soon",
		Steps: []reconcile.Step{{Name: "noop", Apply: func(ctx context.Context) error {
			close(done)
			return nil
		}}},
	}, reconcile.Options{}, 5*time.Millisecond)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled task never ran")
	}
}
