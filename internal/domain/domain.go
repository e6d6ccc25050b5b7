package domain

import "time"

// Phase is one value from an entity's ordered lifecycle enumeration.
// Idle is the initial phase, Archived is terminal.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePreparation Phase = "preparation"
	PhasePlanning    Phase = "planning"
	PhaseDesign      Phase = "design"
	PhaseExecution   Phase = "execution"
	PhaseReview      Phase = "review"
	PhaseCompletion  Phase = "completion"
	PhaseArchived    Phase = "archived"
)

var phaseOrder = []Phase{
	PhaseIdle,
	PhasePreparation,
	PhasePlanning,
	PhaseDesign,
	PhaseExecution,
	PhaseReview,
	PhaseCompletion,
	PhaseArchived,
}

// Phases returns the full lifecycle in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Order returns the position of p in the lifecycle, or -1 for unknown phases.
func (p Phase) Order() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Order() >= 0 }

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool { return p == PhaseArchived }

func (p Phase) String() string { return string(p) }

// TransitionMode governs how a matched rule's phase change is applied.
type TransitionMode string

const (
	ModeAuto        TransitionMode = "auto"
	ModeManual      TransitionMode = "manual"
	ModeHybrid      TransitionMode = "hybrid"
	ModeScheduled   TransitionMode = "scheduled"
	ModeConditional TransitionMode = "conditional"
)

func (m TransitionMode) Valid() bool {
	switch m {
	case ModeAuto, ModeManual, ModeHybrid, ModeScheduled, ModeConditional:
		return true
	}
	return false
}

// Event is the wire shape carried on the bus between stores.
type Event struct {
	EventID     string         `json:"eventId"`
	Kind        string         `json:"kind"`
	SourceStore string         `json:"sourceStore"`
	CausationID string         `json:"causationId,omitempty"`
	Payload     map[string]any `json:"payload"`
	EmittedAt   string         `json:"emittedAt" format:"date-time"`
}

// TransitionRule maps an incoming event kind to an allowed phase change.
// Rules are loaded once at construction and immutable at runtime.
type TransitionRule struct {
	TriggerKind string
	FromPhase   Phase
	ToPhase     Phase
	Mode        TransitionMode
	// Priority breaks ties between rules matching the same event; the
	// highest weight wins, equal weights are a configuration error.
	Priority int
	// Guard, when set, must pass for the rule to match.
	Guard func(Event) bool
	// Delay applies to ModeScheduled rules.
	Delay time.Duration
	// Condition applies to ModeConditional rules and is re-checked on
	// each relevant event.
	Condition func(entityID string, evt Event) (bool, error)
}

// RecordStatus is the lifecycle of a TransitionRecord.
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordApplied    RecordStatus = "applied"
	RecordRolledBack RecordStatus = "rolled_back"
)

// TransitionRecord is one append-only audit entry per attempted transition.
type TransitionRecord struct {
	ID             string       `json:"id"`
	EntityID       string       `json:"entity_id"`
	FromPhase      Phase        `json:"from_phase"`
	ToPhase        Phase        `json:"to_phase"`
	Backward       bool         `json:"backward,omitempty"`
	Mode           TransitionMode `json:"mode"`
	TriggeredBy    string       `json:"triggered_by"`
	TriggerEventID string       `json:"trigger_event_id,omitempty"`
	Status         RecordStatus `json:"status"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	AppliedAt      *string      `json:"applied_at,omitempty" format:"date-time"`
}

// TaskStatus is the lifecycle of a MigrationTask.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// MigrationTask tracks one reconciliation task run.
type MigrationTask struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *string    `json:"started_at,omitempty" format:"date-time"`
	FinishedAt  *string    `json:"finished_at,omitempty" format:"date-time"`
}

// Priority orders queue items within a batch flush.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight maps a priority to its sort weight; higher flushes first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// QueueItem is one pending batched mutation.
type QueueItem struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Priority   Priority       `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
}

// OpStatus is the lifecycle of an OptimisticOperation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpConfirmed OpStatus = "confirmed"
	OpReverted  OpStatus = "reverted"
)

// OptimisticOperation tracks one tentative local write for the duration of
// its commit round-trip.
type OptimisticOperation struct {
	ID        string   `json:"id"`
	Previous  any      `json:"previous,omitempty"`
	Tentative any      `json:"tentative"`
	Status    OpStatus `json:"status"`
}

// Severity classifies a consistency rule failure.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)
