// Package syncline keeps two key-value stores consistent: events emitted by
// either store flow through a deduplicating bus into a phase-transition state
// machine, optimistic writes, batched cross-store mutations, retryable
// reconciliation tasks and a rule-based consistency validator.
package syncline

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"syncline/internal/config"
	"syncline/internal/db"
	"syncline/internal/domain"
	"syncline/internal/engine"
	"syncline/internal/migrate"
	"syncline/internal/store"
)

// Re-exported domain types so callers only import this package.
type (
	Event            = domain.Event
	Phase            = domain.Phase
	TransitionMode   = domain.TransitionMode
	TransitionRule   = domain.TransitionRule
	TransitionRecord = domain.TransitionRecord
	Priority         = domain.Priority
	Config           = config.Config
	Engine           = engine.Engine
	Store            = store.Store
)

const (
	PhaseIdle        = domain.PhaseIdle
	PhasePreparation = domain.PhasePreparation
	PhasePlanning    = domain.PhasePlanning
	PhaseDesign      = domain.PhaseDesign
	PhaseExecution   = domain.PhaseExecution
	PhaseReview      = domain.PhaseReview
	PhaseCompletion  = domain.PhaseCompletion
	PhaseArchived    = domain.PhaseArchived

	ModeAuto        = domain.ModeAuto
	ModeManual      = domain.ModeManual
	ModeHybrid      = domain.ModeHybrid
	ModeScheduled   = domain.ModeScheduled
	ModeConditional = domain.ModeConditional

	PriorityHigh   = domain.PriorityHigh
	PriorityNormal = domain.PriorityNormal
	PriorityLow    = domain.PriorityLow
)

// DefaultConfig returns the stock tuning; see config.Load to read one from
// disk with SYNCLINE_* environment overrides.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewMemoryStore returns an in-process store, mostly for tests and embedding.
func NewMemoryStore(id string) *store.Memory { return store.NewMemory(id) }

// Open opens (or creates) the engine database under workspace and applies
// pending schema migrations.
func Open(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// New wires an Engine over the two stores with the given transition rules.
// Call Start to launch the background auditor and Stop to tear down.
func New(conn *sql.DB, cfg *Config, schedule, project Store, rules []TransitionRule, logger zerolog.Logger) (*Engine, error) {
	return engine.New(conn, cfg, schedule, project, rules, logger)
}

// Validate is a convenience one-shot consistency check without constructing a
// full engine.
func Validate(ctx context.Context, e *Engine) string {
	return e.ValidationReport(ctx).Render()
}
