package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

// Step is one unit of a reconciliation task. Rollback must undo Apply and be
// safe to run against a state Apply never touched.
type Step struct {
	Name     string
	Apply    func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Spec describes one idempotent reconciliation task, keyed by ID.
type Spec struct {
	ID            string
	Precondition  func(ctx context.Context) error
	Steps         []Step
	Postcondition func(ctx context.Context) error
}

// Options tune one run. Zero values fall back to the manager defaults.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	// MaxWait caps the total time spent sleeping between attempts; once
	// exhausted, remaining retries run back to back.
	MaxWait time.Duration
}

// Defaults are the manager-level fallbacks for Options.
type Defaults struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxWait     time.Duration
}

type inflight struct {
	done chan struct{}
	task domain.MigrationTask
	err  error
}

type scheduled struct {
	timer *time.Timer
}

// Manager runs reconciliation tasks with bounded retries and LIFO rollback.
// Concurrent runs of the same task id join the in-flight run instead of
// starting a second one.
type Manager struct {
	defaults Defaults
	repo     repo.Repo
	persist  bool
	log      zerolog.Logger
	Now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu        sync.Mutex
	running   map[string]*inflight
	scheduled map[string]*scheduled
	tasks     map[string]domain.MigrationTask
}

func New(defaults Defaults, logger zerolog.Logger) *Manager {
	return &Manager{
		defaults:  defaults,
		log:       logger,
		Now:       time.Now,
		sleep:     sleepCtx,
		running:   map[string]*inflight{},
		scheduled: map[string]*scheduled{},
		tasks:     map[string]domain.MigrationTask{},
	}
}

// AttachRepo persists task state across restarts.
func (m *Manager) AttachRepo(r repo.Repo) {
	m.repo = r
	m.persist = true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Task returns the last known state for a task id.
func (m *Manager) Task(ctx context.Context, id string) (domain.MigrationTask, bool) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		return task, true
	}
	if m.persist {
		task, err := m.repo.GetMigrationTask(ctx, id)
		if err == nil {
			return task, true
		}
	}
	return domain.MigrationTask{}, false
}

// ShouldMigrate reports whether spec still needs to run: false once the task
// completed, or when the precondition says there is nothing to reconcile.
func (m *Manager) ShouldMigrate(ctx context.Context, spec Spec) (bool, error) {
	if task, ok := m.Task(ctx, spec.ID); ok && task.Status == domain.TaskCompleted {
		return false, nil
	}
	if spec.Precondition != nil {
		if err := spec.Precondition(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Run executes spec now. A duplicate call while the same id is Running joins
// the in-flight run and returns its result.
func (m *Manager) Run(ctx context.Context, spec Spec, opts Options) (domain.MigrationTask, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.defaults.MaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = m.defaults.Backoff
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = m.defaults.MaxWait
	}

	m.mu.Lock()
	if fl, ok := m.running[spec.ID]; ok {
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.task, fl.err
		case <-ctx.Done():
			return domain.MigrationTask{}, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	m.running[spec.ID] = fl
	started := m.Now().UTC().Format(time.RFC3339)
	task := domain.MigrationTask{
		ID:          spec.ID,
		Status:      domain.TaskRunning,
		MaxAttempts: maxAttempts,
		StartedAt:   &started,
	}
	m.tasks[spec.ID] = task
	m.mu.Unlock()
	m.save(ctx, task)

	task, err := m.execute(ctx, spec, task, maxAttempts, backoff, maxWait)

	m.mu.Lock()
	m.tasks[spec.ID] = task
	delete(m.running, spec.ID)
	fl.task = task
	fl.err = err
	close(fl.done)
	m.mu.Unlock()
	m.save(ctx, task)
	return task, err
}

func (m *Manager) execute(ctx context.Context, spec Spec, task domain.MigrationTask, maxAttempts int, backoff, maxWait time.Duration) (domain.MigrationTask, error) {
	var lastErr error
	waited := time.Duration(0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task.Attempts = attempt
		lastErr = m.attempt(ctx, spec)
		if lastErr == nil {
			task.Status = domain.TaskCompleted
			task.LastError = ""
			finished := m.Now().UTC().Format(time.RFC3339)
			task.FinishedAt = &finished
			return task, nil
		}
		task.LastError = lastErr.Error()
		m.log.Warn().Str("task_id", spec.ID).Int("attempt", attempt).
			Err(lastErr).Msg("reconciliation attempt failed")
		if attempt < maxAttempts {
			delay := backoff
			if waited+delay > maxWait {
				delay = maxWait - waited
			}
			if delay > 0 {
				if err := m.sleep(ctx, delay); err != nil {
					task.Status = domain.TaskFailed
					task.LastError = err.Error()
					return task, err
				}
				waited += delay
			}
		}
	}
	task.Status = domain.TaskFailed
	finished := m.Now().UTC().Format(time.RFC3339)
	task.FinishedAt = &finished
	return task, &domain.RetryExceededError{TaskID: spec.ID, Attempts: task.Attempts, LastErr: lastErr}
}

// attempt runs precondition, steps and postcondition. Any failure rolls the
// applied steps back LIFO before returning, so a retry starts from the
// pre-attempt state.
func (m *Manager) attempt(ctx context.Context, spec Spec) error {
	if spec.Precondition != nil {
		if err := spec.Precondition(ctx); err != nil {
			return err
		}
	}
	var applied []Step
	fail := func(err error) error {
		m.rollback(ctx, spec.ID, applied)
		return err
	}
	for _, step := range spec.Steps {
		if err := step.Apply(ctx); err != nil {
			return fail(err)
		}
		applied = append(applied, step)
	}
	if spec.Postcondition != nil {
		if err := spec.Postcondition(ctx); err != nil {
			return fail(err)
		}
	}
	return nil
}

// rollback runs inverse operations newest-first. A failing rollback step is
// logged, not thrown, so the remaining rollbacks still run.
func (m *Manager) rollback(ctx context.Context, taskID string, applied []Step) {
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx); err != nil {
			m.log.Error().Str("task_id", taskID).Str("step", step.Name).
				Err(err).Msg("rollback step failed")
		}
	}
}

// Schedule queues spec to run after delay. Nothing mutates until the run
// starts, so Cancel before then simply marks the task Idle.
func (m *Manager) Schedule(ctx context.Context, spec Spec, opts Options, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[spec.ID]; ok {
		return
	}
	m.tasks[spec.ID] = domain.MigrationTask{ID: spec.ID, Status: domain.TaskIdle}
	sc := &scheduled{}
	sc.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.scheduled, spec.ID)
		m.mu.Unlock()
		if _, err := m.Run(context.WithoutCancel(ctx), spec, opts); err != nil {
			m.log.Warn().Str("task_id", spec.ID).Err(err).Msg("scheduled reconciliation failed")
		}
	})
	m.scheduled[spec.ID] = sc
}

// Cancel stops a scheduled, not-yet-running task. No rollbacks run: by
// contract tasks only mutate during the Running phase.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scheduled[taskID]
	if !ok {
		return false
	}
	sc.timer.Stop()
	delete(m.scheduled, taskID)
	m.tasks[taskID] = domain.MigrationTask{ID: taskID, Status: domain.TaskIdle}
	return true
}

func (m *Manager) save(ctx context.Context, task domain.MigrationTask) {
	if !m.persist {
		return
	}
	if err := m.repo.UpsertMigrationTask(ctx, task); err != nil {
		m.log.Error().Str("task_id", task.ID).Err(err).Msg("persist task state failed")
	}
}
