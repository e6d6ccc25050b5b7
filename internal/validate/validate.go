package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"syncline/internal/domain"
	"syncline/internal/repo"
	"syncline/internal/store"
)

// Context hands rules read access to both stores and the audit trail.
type Context struct {
	Schedule store.Store
	Project  store.Store
	Repo     repo.Repo
}

// Rule is one structural invariant. Check must be read-only; Repair, when
// set, must be idempotent because the validator may run repeatedly.
type Rule struct {
	ID       string
	Severity domain.Severity
	Check    func(ctx context.Context, vc *Context) error
	Repair   func(ctx context.Context, vc *Context) error
}

// Result is the outcome of one rule evaluation.
type Result struct {
	RuleID   string          `json:"rule_id"`
	Severity domain.Severity `json:"severity"`
	OK       bool            `json:"ok"`
	Detail   string          `json:"detail,omitempty"`
	Repaired bool            `json:"repaired,omitempty"`
}

// Report aggregates one validation pass.
type Report struct {
	Results        []Result `json:"results"`
	CriticalIssues int      `json:"critical_issues"`
	Warnings       int      `json:"warnings"`
	GeneratedAt    string   `json:"generated_at" format:"date-time"`
}

// Render formats the report as a human-readable table.
func (r Report) Render() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Rule", "Severity", "OK", "Detail"})
	for _, res := range r.Results {
		ok := "yes"
		if !res.OK {
			ok = "no"
		}
		if res.Repaired {
			ok = "repaired"
		}
		t.AppendRow(table.Row{res.RuleID, res.Severity, ok, res.Detail})
	}
	t.AppendFooter(table.Row{"", "", "critical", fmt.Sprintf("%d", r.CriticalIssues)})
	return t.Render()
}

// Validator runs rule-based structural scans across both stores.
type Validator struct {
	rules []Rule
	vc    *Context
	log   zerolog.Logger
	Now   func() time.Time
}

func New(vc *Context, logger zerolog.Logger, rules ...Rule) *Validator {
	return &Validator{rules: rules, vc: vc, log: logger, Now: time.Now}
}

// ValidateAll evaluates every rule. A panicking or failing rule is reported
// and never aborts its siblings.
func (v *Validator) ValidateAll(ctx context.Context) Report {
	report := Report{GeneratedAt: v.Now().UTC().Format(time.RFC3339)}
	for _, rule := range v.rules {
		res := v.evaluate(ctx, rule)
		if !res.OK {
			switch res.Severity {
			case domain.SeverityCritical:
				report.CriticalIssues++
			case domain.SeverityWarning:
				report.Warnings++
			}
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (v *Validator) evaluate(ctx context.Context, rule Rule) (res Result) {
	res = Result{RuleID: rule.ID, Severity: rule.Severity, OK: true}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Severity = domain.SeverityCritical
			res.Detail = fmt.Sprintf("rule panicked: %v", r)
			v.log.Error().Str("rule", rule.ID).Interface("panic", r).Msg("validation rule panicked")
		}
	}()
	if err := rule.Check(ctx, v.vc); err != nil {
		res.OK = false
		res.Detail = err.Error()
	}
	return res
}

// AutoRepair re-runs repairs for critical failures that declare one and
// reports per-issue success. Repairs are idempotent by contract.
func (v *Validator) AutoRepair(ctx context.Context, report Report) Report {
	byID := map[string]Rule{}
	for _, r := range v.rules {
		byID[r.ID] = r
	}
	for i, res := range report.Results {
		if res.OK || res.Severity != domain.SeverityCritical {
			continue
		}
		rule, ok := byID[res.RuleID]
		if !ok || rule.Repair == nil {
			continue
		}
		if err := rule.Repair(ctx, v.vc); err != nil {
			report.Results[i].Detail = fmt.Sprintf("%s; repair failed: %v", res.Detail, err)
			v.log.Warn().Str("rule", res.RuleID).Err(err).Msg("auto-repair failed")
			continue
		}
		report.Results[i].Repaired = true
		report.CriticalIssues--
	}
	return report
}
