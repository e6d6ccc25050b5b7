package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncline/internal/domain"
)

// KindTransitioned is published on the bus after every applied transition,
// with the trigger event as causation.
const KindTransitioned = "phase.transitioned"

// EntityStore reads and writes the phase of one entity in the project store.
type EntityStore interface {
	Phase(ctx context.Context, entityID string) (domain.Phase, error)
	SetPhase(ctx context.Context, entityID string, to domain.Phase) error
}

// RecordLog persists the append-only transition audit trail.
type RecordLog interface {
	InsertTransitionRecord(ctx context.Context, rec domain.TransitionRecord) error
	SetTransitionRecordStatus(ctx context.Context, id string, status domain.RecordStatus, appliedAt *string) error
	ListTransitionRecords(ctx context.Context, entityID string) ([]domain.TransitionRecord, error)
}

// Publisher emits derived events; usually the event bus.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type Config struct {
	Debounce time.Duration
	Grace    time.Duration
	// AllowBackwardAuto permits Auto rules to move entities to an earlier
	// phase without confirmation. Off by default.
	AllowBackwardAuto bool
}

// Manager is the finite-state machine mapping trigger events to phase
// changes. All work for one entity is serialized behind a per-entity lock;
// transitions for different entities proceed concurrently.
type Manager struct {
	rules     []domain.TransitionRule
	entities  EntityStore
	records   RecordLog
	publisher Publisher
	cfg       Config
	log       zerolog.Logger
	Now       func() time.Time

	mu     sync.Mutex
	states map[string]*entityState
}

type entityState struct {
	mu sync.Mutex
	// recent remembers the last applied record per trigger kind so bursts
	// inside the debounce window collapse into one transition.
	recent        map[string]recentApply
	pendingManual map[string]pendingTransition
	hybrid        map[string]hybridWindow
	scheduled     *scheduledTransition
}

type recentApply struct {
	at  time.Time
	rec domain.TransitionRecord
}

type pendingTransition struct {
	rec  domain.TransitionRecord
	rule domain.TransitionRule
}

type hybridWindow struct {
	rec      domain.TransitionRecord
	deadline time.Time
}

type scheduledTransition struct {
	recID string
	timer *time.Timer
}

// NewManager validates and loads the rule set once; rules are immutable
// afterwards.
func NewManager(rules []domain.TransitionRule, entities EntityStore, records RecordLog, cfg Config, logger zerolog.Logger) (*Manager, error) {
	for i, r := range rules {
		if r.TriggerKind == "" {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d].triggerKind", i), Reason: "required"}
		}
		if !r.FromPhase.Valid() || !r.ToPhase.Valid() {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d]", i), Reason: "unknown phase"}
		}
		if r.FromPhase.Terminal() {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d].fromPhase", i), Reason: "terminal phase has no outgoing transitions"}
		}
		if !r.Mode.Valid() {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d].mode", i), Reason: "unknown mode"}
		}
		if r.Mode == domain.ModeScheduled && r.Delay <= 0 {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d].delay", i), Reason: "scheduled rules need a positive delay"}
		}
		if r.Mode == domain.ModeConditional && r.Condition == nil {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("rules[%d].condition", i), Reason: "conditional rules need a predicate"}
		}
	}
	return &Manager{
		rules:    rules,
		entities: entities,
		records:  records,
		cfg:      cfg,
		log:      logger,
		Now:      time.Now,
		states:   map[string]*entityState{},
	}, nil
}

// AttachPublisher wires the bus for derived phase.transitioned events.
func (m *Manager) AttachPublisher(p Publisher) { m.publisher = p }

// TriggerKinds lists the distinct event kinds the rule set listens for.
func (m *Manager) TriggerKinds() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range m.rules {
		if !seen[r.TriggerKind] {
			seen[r.TriggerKind] = true
			out = append(out, r.TriggerKind)
		}
	}
	return out
}

func (m *Manager) stateFor(entityID string) *entityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[entityID]
	if !ok {
		st = &entityState{
			recent:        map[string]recentApply{},
			pendingManual: map[string]pendingTransition{},
			hybrid:        map[string]hybridWindow{},
		}
		m.states[entityID] = st
	}
	return st
}

// HandleEvent adapts the manager to a bus subscriber. The entity id rides in
// the payload under "entityId".
func (m *Manager) HandleEvent(ctx context.Context, evt domain.Event) error {
	entityID, _ := evt.Payload["entityId"].(string)
	if entityID == "" {
		return &domain.ValidationError{Field: "payload.entityId", Reason: "required for transition triggers"}
	}
	_, err := m.Request(ctx, entityID, evt)
	switch err {
	case nil, domain.ErrNoMatchingRule, domain.ErrConditionNotMet:
		return nil
	}
	return err
}

// Request evaluates the rule set against the trigger event for one entity.
// Requests for the same entity are serialized; a request landing inside the
// debounce window of an identical trigger returns the already-applied record.
func (m *Manager) Request(ctx context.Context, entityID string, evt domain.Event) (domain.TransitionRecord, error) {
	st := m.stateFor(entityID)
	st.mu.Lock()
	rec, derived, err := m.requestLocked(ctx, st, entityID, evt)
	st.mu.Unlock()
	m.publishDerived(ctx, derived)
	return rec, err
}

func (m *Manager) requestLocked(ctx context.Context, st *entityState, entityID string, evt domain.Event) (domain.TransitionRecord, *domain.Event, error) {
	now := m.Now()
	if recent, ok := st.recent[evt.Kind]; ok && now.Sub(recent.at) < m.cfg.Debounce {
		m.log.Debug().Str("entity_id", entityID).Str("kind", evt.Kind).
			Msg("trigger coalesced into recent transition")
		return recent.rec, nil, nil
	}

	current, err := m.entities.Phase(ctx, entityID)
	if err != nil {
		return domain.TransitionRecord{}, nil, err
	}
	if current.Terminal() {
		return domain.TransitionRecord{}, nil, domain.ErrTerminalPhase
	}

	rule, err := m.matchRule(current, evt)
	if err != nil {
		return domain.TransitionRecord{}, nil, err
	}

	backward := rule.ToPhase.Order() < current.Order()
	if backward && !m.backwardAllowed(rule.Mode, evt) {
		return domain.TransitionRecord{}, nil, &domain.ValidationError{
			Field:  "transition",
			Reason: fmt.Sprintf("backward transition %s -> %s requires manual or hybrid confirmation", current, rule.ToPhase),
		}
	}

	rec := domain.TransitionRecord{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		FromPhase:      current,
		ToPhase:        rule.ToPhase,
		Backward:       backward,
		Mode:           rule.Mode,
		TriggeredBy:    evt.Kind,
		TriggerEventID: evt.EventID,
		Status:         domain.RecordPending,
		CreatedAt:      now.UTC().Format(time.RFC3339),
	}

	switch rule.Mode {
	case domain.ModeAuto:
		derived, err := m.applyLocked(ctx, st, rec, evt)
		return rec, derived, err
	case domain.ModeHybrid:
		derived, err := m.applyLocked(ctx, st, rec, evt)
		if err != nil {
			return rec, derived, err
		}
		st.hybrid[rec.ID] = hybridWindow{rec: rec, deadline: now.Add(m.cfg.Grace)}
		return rec, derived, nil
	case domain.ModeManual:
		if err := m.records.InsertTransitionRecord(ctx, rec); err != nil {
			return rec, nil, err
		}
		st.pendingManual[rec.ID] = pendingTransition{rec: rec, rule: rule}
		return rec, nil, nil
	case domain.ModeScheduled:
		if st.scheduled != nil {
			// One scheduled transition per entity; later triggers coalesce.
			existing, err := m.recordByID(ctx, entityID, st.scheduled.recID)
			return existing, nil, err
		}
		if err := m.records.InsertTransitionRecord(ctx, rec); err != nil {
			return rec, nil, err
		}
		sc := &scheduledTransition{recID: rec.ID}
		sc.timer = time.AfterFunc(rule.Delay, func() { m.fireScheduled(entityID, rec, evt) })
		st.scheduled = sc
		return rec, nil, nil
	case domain.ModeConditional:
		ok, err := rule.Condition(entityID, evt)
		if err != nil {
			return domain.TransitionRecord{}, nil, err
		}
		if !ok {
			return domain.TransitionRecord{}, nil, domain.ErrConditionNotMet
		}
		derived, err := m.applyLocked(ctx, st, rec, evt)
		return rec, derived, err
	}
	return domain.TransitionRecord{}, nil, &domain.ValidationError{Field: "mode", Reason: "unknown transition mode"}
}

func (m *Manager) recordByID(ctx context.Context, entityID, recID string) (domain.TransitionRecord, error) {
	recs, err := m.records.ListTransitionRecords(ctx, entityID)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	for _, r := range recs {
		if r.ID == recID {
			return r, nil
		}
	}
	return domain.TransitionRecord{}, domain.ErrNoMatchingRule
}

// matchRule picks the matching rule with the highest priority weight.
// Equal weights fail closed as a configuration error.
func (m *Manager) matchRule(current domain.Phase, evt domain.Event) (domain.TransitionRule, error) {
	var best domain.TransitionRule
	found := false
	ambiguous := false
	for _, r := range m.rules {
		if r.FromPhase != current || r.TriggerKind != evt.Kind {
			continue
		}
		if r.Guard != nil && !r.Guard(evt) {
			continue
		}
		switch {
		case !found || r.Priority > best.Priority:
			best = r
			found = true
			ambiguous = false
		case r.Priority == best.Priority:
			ambiguous = true
		}
	}
	if !found {
		return domain.TransitionRule{}, domain.ErrNoMatchingRule
	}
	if ambiguous {
		return domain.TransitionRule{}, fmt.Errorf("%w: trigger %s from %s", domain.ErrAmbiguousRules, evt.Kind, current)
	}
	return best, nil
}

func (m *Manager) backwardAllowed(mode domain.TransitionMode, evt domain.Event) bool {
	if mode == domain.ModeManual || mode == domain.ModeHybrid {
		return true
	}
	if m.cfg.AllowBackwardAuto {
		return true
	}
	override, _ := evt.Payload["allowBackward"].(bool)
	return override
}

// applyLocked writes the Pending record, mutates the entity phase and marks
// the record Applied. On mutation failure the phase is untouched, the record
// stays Pending and the error surfaces to the caller.
func (m *Manager) applyLocked(ctx context.Context, st *entityState, rec domain.TransitionRecord, trigger domain.Event) (*domain.Event, error) {
	if err := m.records.InsertTransitionRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.entities.SetPhase(ctx, rec.EntityID, rec.ToPhase); err != nil {
		return nil, fmt.Errorf("apply transition %s -> %s: %w", rec.FromPhase, rec.ToPhase, err)
	}
	appliedAt := m.Now().UTC().Format(time.RFC3339)
	if err := m.records.SetTransitionRecordStatus(ctx, rec.ID, domain.RecordApplied, &appliedAt); err != nil {
		return nil, err
	}
	st.recent[rec.TriggeredBy] = recentApply{at: m.Now(), rec: rec}

	derived := &domain.Event{
		EventID:     uuid.New().String(),
		Kind:        KindTransitioned,
		SourceStore: "syncline",
		CausationID: trigger.EventID,
		Payload: map[string]any{
			"entityId": rec.EntityID,
			"from":     string(rec.FromPhase),
			"to":       string(rec.ToPhase),
			"recordId": rec.ID,
			"backward": rec.Backward,
		},
		EmittedAt: appliedAt,
	}
	return derived, nil
}

// publishDerived runs outside the entity lock so a rule listening to the
// derived kind cannot deadlock on its own entity.
func (m *Manager) publishDerived(ctx context.Context, derived *domain.Event) {
	if derived == nil || m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, *derived); err != nil {
		// Circular or duplicate rejections here are the loop breaker doing
		// its job; surface them in the log only.
		m.log.Debug().Err(err).Str("event_id", derived.EventID).Msg("derived event not delivered")
	}
}

func (m *Manager) fireScheduled(entityID string, rec domain.TransitionRecord, trigger domain.Event) {
	ctx := context.Background()
	st := m.stateFor(entityID)
	st.mu.Lock()
	if st.scheduled == nil || st.scheduled.recID != rec.ID {
		st.mu.Unlock()
		return
	}
	st.scheduled = nil
	current, err := m.entities.Phase(ctx, entityID)
	if err == nil && current != rec.FromPhase {
		// Entity moved while the timer ran; drop the stale transition.
		_ = m.records.SetTransitionRecordStatus(ctx, rec.ID, domain.RecordRolledBack, nil)
		st.mu.Unlock()
		return
	}
	derived, applyErr := m.applyExistingLocked(ctx, st, rec, trigger)
	st.mu.Unlock()
	if applyErr != nil {
		m.log.Warn().Str("entity_id", entityID).Str("record_id", rec.ID).
			Err(applyErr).Msg("scheduled transition failed")
		return
	}
	m.publishDerived(ctx, derived)
}

// applyExistingLocked is applyLocked minus the initial insert: the Pending
// record already exists from scheduling time.
func (m *Manager) applyExistingLocked(ctx context.Context, st *entityState, rec domain.TransitionRecord, trigger domain.Event) (*domain.Event, error) {
	if err := m.entities.SetPhase(ctx, rec.EntityID, rec.ToPhase); err != nil {
		return nil, err
	}
	appliedAt := m.Now().UTC().Format(time.RFC3339)
	if err := m.records.SetTransitionRecordStatus(ctx, rec.ID, domain.RecordApplied, &appliedAt); err != nil {
		return nil, err
	}
	st.recent[rec.TriggeredBy] = recentApply{at: m.Now(), rec: rec}
	derived := &domain.Event{
		EventID:     uuid.New().String(),
		Kind:        KindTransitioned,
		SourceStore: "syncline",
		CausationID: trigger.EventID,
		Payload: map[string]any{
			"entityId": rec.EntityID,
			"from":     string(rec.FromPhase),
			"to":       string(rec.ToPhase),
			"recordId": rec.ID,
			"backward": rec.Backward,
		},
		EmittedAt: appliedAt,
	}
	return derived, nil
}

// Confirm applies a Manual-mode transition previously registered as eligible.
func (m *Manager) Confirm(ctx context.Context, entityID, recordID string) (domain.TransitionRecord, error) {
	st := m.stateFor(entityID)
	st.mu.Lock()
	pending, ok := st.pendingManual[recordID]
	if !ok {
		st.mu.Unlock()
		return domain.TransitionRecord{}, &domain.ValidationError{Field: "recordId", Reason: "no pending manual transition"}
	}
	current, err := m.entities.Phase(ctx, entityID)
	if err != nil {
		st.mu.Unlock()
		return domain.TransitionRecord{}, err
	}
	if current != pending.rec.FromPhase {
		st.mu.Unlock()
		return domain.TransitionRecord{}, &domain.ConflictError{EntityID: entityID}
	}
	delete(st.pendingManual, recordID)
	trigger := domain.Event{EventID: pending.rec.TriggerEventID, Kind: pending.rec.TriggeredBy}
	derived, err := m.applyExistingLocked(ctx, st, pending.rec, trigger)
	st.mu.Unlock()
	if err != nil {
		return pending.rec, err
	}
	m.publishDerived(ctx, derived)
	rec := pending.rec
	rec.Status = domain.RecordApplied
	return rec, nil
}

// Undo reverts a Hybrid-mode transition inside its grace window. The applied
// record is superseded by a rollback record; rows are never rewritten.
func (m *Manager) Undo(ctx context.Context, entityID, recordID string) error {
	st := m.stateFor(entityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	hw, ok := st.hybrid[recordID]
	if !ok {
		return &domain.ValidationError{Field: "recordId", Reason: "no revertible transition"}
	}
	if m.Now().After(hw.deadline) {
		delete(st.hybrid, recordID)
		return &domain.ValidationError{Field: "recordId", Reason: "grace window elapsed"}
	}
	if err := m.entities.SetPhase(ctx, entityID, hw.rec.FromPhase); err != nil {
		return err
	}
	delete(st.hybrid, recordID)
	if err := m.records.SetTransitionRecordStatus(ctx, recordID, domain.RecordRolledBack, nil); err != nil {
		return err
	}
	now := m.Now().UTC().Format(time.RFC3339)
	reversal := domain.TransitionRecord{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		FromPhase:      hw.rec.ToPhase,
		ToPhase:        hw.rec.FromPhase,
		Backward:       hw.rec.FromPhase.Order() < hw.rec.ToPhase.Order(),
		Mode:           domain.ModeHybrid,
		TriggeredBy:    "hybrid.undo",
		TriggerEventID: hw.rec.TriggerEventID,
		Status:         domain.RecordApplied,
		CreatedAt:      now,
		AppliedAt:      &now,
	}
	return m.records.InsertTransitionRecord(ctx, reversal)
}

// CancelScheduled stops the pending Scheduled-mode transition, if any.
func (m *Manager) CancelScheduled(ctx context.Context, entityID string) bool {
	st := m.stateFor(entityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.scheduled == nil {
		return false
	}
	st.scheduled.timer.Stop()
	recID := st.scheduled.recID
	st.scheduled = nil
	_ = m.records.SetTransitionRecordStatus(ctx, recID, domain.RecordRolledBack, nil)
	return true
}

// History returns the entity's transition records oldest-first.
func (m *Manager) History(ctx context.Context, entityID string) ([]domain.TransitionRecord, error) {
	return m.records.ListTransitionRecords(ctx, entityID)
}
