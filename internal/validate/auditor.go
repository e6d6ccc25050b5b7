package validate

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Auditor periodically re-runs the validator against both stores and
// auto-repairs what it can.
type Auditor struct {
	validator *Validator
	interval  time.Duration
	repair    bool
	log       zerolog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewAuditor(v *Validator, interval time.Duration, repair bool, logger zerolog.Logger) *Auditor {
	return &Auditor{
		validator: v,
		interval:  interval,
		repair:    repair,
		log:       logger,
		done:      make(chan struct{}),
	}
}

// Start launches the background audit goroutine.
func (a *Auditor) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runAudit(ctx)
			}
		}
	}()
}

// Stop cancels the audit goroutine and waits for it to finish. Safe to call
// without a prior Start.
func (a *Auditor) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Auditor) runAudit(ctx context.Context) {
	report := a.validator.ValidateAll(ctx)
	if a.repair && report.CriticalIssues > 0 {
		report = a.validator.AutoRepair(ctx, report)
	}
	if report.CriticalIssues > 0 || report.Warnings > 0 {
		a.log.Warn().Int("critical", report.CriticalIssues).Int("warnings", report.Warnings).
			Msg("consistency audit found issues")
	}
}
