package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncline/internal/batch"
	"syncline/internal/bus"
	"syncline/internal/config"
	"syncline/internal/domain"
	"syncline/internal/events"
	"syncline/internal/optimistic"
	"syncline/internal/phase"
	"syncline/internal/reconcile"
	"syncline/internal/repo"
	"syncline/internal/store"
	"syncline/internal/validate"
)

// Engine wires the bus, phase manager, queues and validator around the two
// domain stores. Stores are passed in at construction; nothing is discovered
// ambiently.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Bus        *bus.Bus
	Phases     *phase.Manager
	Batch      *batch.Queue
	Optimistic *optimistic.Manager
	Reconciler *reconcile.Manager
	Validator  *validate.Validator
	Auditor    *validate.Auditor
	Config     *config.Config
	Schedule   store.Store
	Project    store.Store
	Now        func() time.Time

	log   zerolog.Logger
	unsub []func()
}

// MutationStoreSet is the batch item type for generic cross-store writes.
const MutationStoreSet = "store.set"

func New(db *sql.DB, cfg *config.Config, schedule, project store.Store, rules []domain.TransitionRule, logger zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if schedule == nil || project == nil {
		return nil, &domain.ValidationError{Field: "stores", Reason: "schedule and project stores are required"}
	}
	r := repo.Repo{DB: db}

	tracker := bus.NewTracker(cfg.Dedup.CacheSize, cfg.Dedup.TTL.Std(), cfg.Dedup.MaxCausationDepth)
	if seen, err := r.LoadDedupSeen(context.Background(), time.Now().Add(-cfg.Dedup.TTL.Std())); err == nil {
		tracker.Preload(seen)
	}
	b := bus.New(tracker, logger)

	e := &Engine{
		DB:         db,
		Repo:       r,
		Bus:        b,
		Optimistic: optimistic.New(),
		Config:     cfg,
		Schedule:   schedule,
		Project:    project,
		Now:        time.Now,
		log:        logger,
	}
	b.AttachJournal(journalAdapter{engine: e})

	phases, err := phase.NewManager(rules, &entityAdapter{engine: e}, r, phase.Config{
		Debounce:          cfg.Transitions.DebounceWindow.Std(),
		Grace:             cfg.Transitions.GraceWindow.Std(),
		AllowBackwardAuto: cfg.Transitions.AllowBackwardAuto,
	}, logger)
	if err != nil {
		return nil, err
	}
	phases.AttachPublisher(b)
	e.Phases = phases

	e.Batch = batch.New(batch.Options{
		Size:       cfg.Batch.Size,
		Delay:      cfg.Batch.Delay.Std(),
		MaxWait:    cfg.Batch.MaxWait.Std(),
		MaxRetries: cfg.Batch.MaxRetries,
	}, logger)
	e.Batch.Register(MutationStoreSet, e.applyStoreSet)

	e.Reconciler = reconcile.New(reconcile.Defaults{
		MaxAttempts: cfg.Migration.MaxAttempts,
		Backoff:     cfg.Migration.Backoff.Std(),
		MaxWait:     cfg.Migration.MaxWait.Std(),
	}, logger)
	e.Reconciler.AttachRepo(r)

	e.Validator = validate.New(&validate.Context{Schedule: schedule, Project: project, Repo: r}, logger, validate.BuiltinRules()...)
	e.Auditor = validate.NewAuditor(e.Validator, cfg.Audit.Interval.Std(), true, logger)

	// Trigger kinds route to the FSM; everything else only reaches the
	// journal and any external subscribers.
	for _, kind := range phases.TriggerKinds() {
		e.unsub = append(e.unsub, b.Subscribe(kind, phases.HandleEvent))
	}
	e.unsub = append(e.unsub, b.Subscribe(phase.KindTransitioned, e.mirrorTransition))

	// Store events feed the bus; the dedup tracker keeps redelivery and
	// feedback loops out.
	forward := func(ctx context.Context, evt domain.Event) { _ = b.Publish(ctx, evt) }
	e.unsub = append(e.unsub, schedule.Subscribe("", forward))
	e.unsub = append(e.unsub, project.Subscribe("", forward))

	return e, nil
}

// journalAdapter appends admitted events durably and snapshots the dedup set
// so both survive a restart.
type journalAdapter struct {
	engine *Engine
}

func (j journalAdapter) Record(ctx context.Context, evt domain.Event) error {
	w := events.Writer{DB: j.engine.DB}
	if err := w.Record(ctx, evt); err != nil {
		return err
	}
	return j.engine.Repo.SaveDedupSeen(ctx, evt.EventID, j.engine.Now())
}

// entityAdapter exposes project entities to the FSM. Reads come from the
// optimistic layer first so tentative phases are visible immediately; writes
// go through it so failed commits restore the prior value exactly.
type entityAdapter struct {
	engine *Engine
}

func (a *entityAdapter) Phase(ctx context.Context, entityID string) (domain.Phase, error) {
	if v, ok := a.engine.Optimistic.Current(entityID); ok {
		if value, ok := v.(map[string]any); ok {
			if s, ok := value["phase"].(string); ok && domain.Phase(s).Valid() {
				return domain.Phase(s), nil
			}
		}
	}
	value, ok, err := a.engine.Project.Get(ctx, entityID)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.PhaseIdle, nil
	}
	s, _ := value["phase"].(string)
	p := domain.Phase(s)
	if !p.Valid() {
		return domain.PhaseIdle, nil
	}
	return p, nil
}

func (a *entityAdapter) SetPhase(ctx context.Context, entityID string, to domain.Phase) error {
	value, ok, err := a.engine.Project.Get(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		value = map[string]any{}
	}
	tentative := map[string]any{}
	for k, v := range value {
		tentative[k] = v
	}
	tentative["phase"] = string(to)
	_, err = a.engine.Optimistic.Apply(ctx, entityID, tentative, func(ctx context.Context) (any, error) {
		if err := a.engine.Project.Set(ctx, entityID, tentative); err != nil {
			return nil, err
		}
		return tentative, nil
	})
	return err
}

// mirrorTransition keeps the schedule store's view of a project's phase in
// sync after every applied transition. The write rides the batch queue so
// bursts coalesce.
func (e *Engine) mirrorTransition(ctx context.Context, evt domain.Event) error {
	entityID, _ := evt.Payload["entityId"].(string)
	to, _ := evt.Payload["to"].(string)
	if entityID == "" || to == "" {
		return nil
	}
	_, err := e.Batch.Enqueue(MutationStoreSet, map[string]any{
		"store": e.Schedule.ID(),
		"id":    "project-phase/" + entityID,
		"value": map[string]any{
			"projectId": entityID,
			"phase":     to,
			"updatedAt": evt.EmittedAt,
		},
	}, domain.PriorityNormal)
	return err
}

// applyStoreSet executes one batched store write.
func (e *Engine) applyStoreSet(ctx context.Context, item domain.QueueItem) error {
	storeID, _ := item.Payload["store"].(string)
	id, _ := item.Payload["id"].(string)
	value, _ := item.Payload["value"].(map[string]any)
	if id == "" || value == nil {
		return &domain.ValidationError{Field: "payload", Reason: "store.set needs id and value"}
	}
	var target store.Store
	switch storeID {
	case e.Schedule.ID():
		target = e.Schedule
	case e.Project.ID():
		target = e.Project
	default:
		return &domain.ValidationError{Field: "payload.store", Reason: fmt.Sprintf("unknown store %q", storeID)}
	}
	return target.Set(ctx, id, value)
}

// RequestTransition evaluates the rule set for entityID against a trigger
// raised by the caller. The trigger gets a fresh event id, flows through the
// dedup tracker and is journaled like any store-emitted event.
func (e *Engine) RequestTransition(ctx context.Context, entityID, triggerKind string, payload map[string]any) (domain.TransitionRecord, error) {
	if entityID == "" {
		return domain.TransitionRecord{}, &domain.ValidationError{Field: "entityId", Reason: "required"}
	}
	if triggerKind == "" {
		return domain.TransitionRecord{}, &domain.ValidationError{Field: "triggerKind", Reason: "required"}
	}
	merged := map[string]any{"entityId": entityID}
	for k, v := range payload {
		merged[k] = v
	}
	evt := domain.Event{
		EventID:     uuid.New().String(),
		Kind:        triggerKind,
		SourceStore: "caller",
		Payload:     merged,
		EmittedAt:   e.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Bus.Tracker().Admit(evt); err != nil {
		return domain.TransitionRecord{}, err
	}
	if err := (journalAdapter{engine: e}).Record(ctx, evt); err != nil {
		e.log.Error().Err(err).Str("event_id", evt.EventID).Msg("journal append failed")
	}
	return e.Phases.Request(ctx, entityID, evt)
}

// ConfirmTransition applies a Manual-mode transition.
func (e *Engine) ConfirmTransition(ctx context.Context, entityID, recordID string) (domain.TransitionRecord, error) {
	return e.Phases.Confirm(ctx, entityID, recordID)
}

// UndoTransition reverts a Hybrid-mode transition inside its grace window.
func (e *Engine) UndoTransition(ctx context.Context, entityID, recordID string) error {
	return e.Phases.Undo(ctx, entityID, recordID)
}

// CancelScheduledTransition stops a pending Scheduled-mode transition.
func (e *Engine) CancelScheduledTransition(ctx context.Context, entityID string) bool {
	return e.Phases.CancelScheduled(ctx, entityID)
}

// TransitionHistory returns the audit trail for one entity, oldest first.
func (e *Engine) TransitionHistory(ctx context.Context, entityID string) ([]domain.TransitionRecord, error) {
	return e.Phases.History(ctx, entityID)
}

// EnqueueMutation queues a cross-store write for the next batch window.
func (e *Engine) EnqueueMutation(mutationType string, payload map[string]any, priority domain.Priority) (string, error) {
	return e.Batch.Enqueue(mutationType, payload, priority)
}

// RunMigration executes a reconciliation task with bounded retries.
func (e *Engine) RunMigration(ctx context.Context, spec reconcile.Spec, opts reconcile.Options) (domain.MigrationTask, error) {
	return e.Reconciler.Run(ctx, spec, opts)
}

// ValidationReport runs all consistency rules across both stores.
func (e *Engine) ValidationReport(ctx context.Context) validate.Report {
	return e.Validator.ValidateAll(ctx)
}

// RepairReport validates and then auto-repairs critical issues.
func (e *Engine) RepairReport(ctx context.Context) validate.Report {
	return e.Validator.AutoRepair(ctx, e.Validator.ValidateAll(ctx))
}

// Start launches the background consistency auditor.
func (e *Engine) Start(ctx context.Context) {
	e.Auditor.Start(ctx)
}

// Stop tears down subscriptions, drains the batch queue and stops the
// auditor.
func (e *Engine) Stop() {
	for _, u := range e.unsub {
		u()
	}
	e.unsub = nil
	e.Batch.Close()
	e.Auditor.Stop()
}
