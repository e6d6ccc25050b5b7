package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrDuplicateEvent is returned when an event id was already processed.
	// Duplicate delivery is a no-op by contract.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNoMatchingRule means no transition rule matched the trigger.
	ErrNoMatchingRule = errors.New("no matching transition rule")
	// ErrAmbiguousRules means two rules matched with equal priority.
	// Ambiguity is a configuration error and fails closed.
	ErrAmbiguousRules = errors.New("ambiguous transition rules")
	// ErrTerminalPhase means the entity is archived and cannot transition.
	ErrTerminalPhase = errors.New("entity is in a terminal phase")
	// ErrConditionNotMet means a conditional rule's predicate is still false.
	ErrConditionNotMet = errors.New("transition condition not met")
	// ErrQueueClosed is returned by Enqueue after shutdown.
	ErrQueueClosed = errors.New("batch queue closed")
)

// ValidationError reports an input or precondition failure.
// It is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError reports a concurrent transition attempt on the same entity.
// The caller must retry after the current transition completes.
type ConflictError struct {
	EntityID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entity %s has a transition in flight", e.EntityID)
}

// CircularEventError reports a causation chain deeper than the configured
// maximum. The event is logged and dropped, never retried.
type CircularEventError struct {
	EventID  string
	Depth    int
	MaxDepth int
}

func (e *CircularEventError) Error() string {
	return fmt.Sprintf("event %s causation depth %d exceeds max %d", e.EventID, e.Depth, e.MaxDepth)
}

// RetryExceededError reports a migration task that exhausted its attempts.
// Rollback has already been attempted when this error surfaces.
type RetryExceededError struct {
	TaskID   string
	Attempts int
	LastErr  error
}

func (e *RetryExceededError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.LastErr)
}

func (e *RetryExceededError) Unwrap() error { return e.LastErr }

// TimeoutError reports a batch item or migration that exceeded its max wait.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded max wait %s", e.Op, e.Wait)
}
