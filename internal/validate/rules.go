package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"syncline/internal/domain"
)

// BuiltinRules are the cross-store invariants the product relies on.
func BuiltinRules() []Rule {
	return []Rule{
		orphanedRecordsRule(),
		phaseDriftRule(),
		danglingScheduleRule(),
		stuckMigrationsRule(),
	}
}

// orphanedRecordsRule flags transition records whose entity no longer exists
// in the project store.
func orphanedRecordsRule() Rule {
	return Rule{
		ID:       "transition_records.orphaned",
		Severity: domain.SeverityWarning,
		Check: func(ctx context.Context, vc *Context) error {
			keys, err := vc.Project.Keys(ctx)
			if err != nil {
				return err
			}
			known := map[string]bool{}
			for _, k := range keys {
				known[k] = true
			}
			var orphans []string
			rows, err := vc.Repo.DB.QueryContext(ctx, `SELECT DISTINCT entity_id FROM transition_records`)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return err
				}
				if !known[id] {
					orphans = append(orphans, id)
				}
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if len(orphans) > 0 {
				return fmt.Errorf("records reference missing entities: %s", strings.Join(orphans, ", "))
			}
			return nil
		},
	}
}

// phaseDriftRule compares each entity's stored phase with its last applied
// transition record. Repair resets the phase to the audited value; safe to
// re-run against an already-fixed entity.
func phaseDriftRule() Rule {
	check := func(ctx context.Context, vc *Context, repair bool) error {
		keys, err := vc.Project.Keys(ctx)
		if err != nil {
			return err
		}
		var drifted []string
		for _, id := range keys {
			value, ok, err := vc.Project.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			phaseStr, _ := value["phase"].(string)
			recs, err := vc.Repo.ListTransitionRecords(ctx, id)
			if err != nil {
				return err
			}
			var last *domain.TransitionRecord
			for i := range recs {
				if recs[i].Status == domain.RecordApplied {
					last = &recs[i]
				}
			}
			if last == nil {
				continue
			}
			if phaseStr == string(last.ToPhase) {
				continue
			}
			if repair {
				value["phase"] = string(last.ToPhase)
				if err := vc.Project.Set(ctx, id, value); err != nil {
					return err
				}
				continue
			}
			drifted = append(drifted, fmt.Sprintf("%s (store=%s audit=%s)", id, phaseStr, last.ToPhase))
		}
		if len(drifted) > 0 {
			return fmt.Errorf("phase drift: %s", strings.Join(drifted, ", "))
		}
		return nil
	}
	return Rule{
		ID:       "project.phase_drift",
		Severity: domain.SeverityCritical,
		Check: func(ctx context.Context, vc *Context) error {
			return check(ctx, vc, false)
		},
		Repair: func(ctx context.Context, vc *Context) error {
			return check(ctx, vc, true)
		},
	}
}

// danglingScheduleRule flags schedule entries pointing at missing project
// entities. Repair marks the entry orphaned rather than deleting it.
func danglingScheduleRule() Rule {
	scan := func(ctx context.Context, vc *Context, repair bool) error {
		projectKeys, err := vc.Project.Keys(ctx)
		if err != nil {
			return err
		}
		known := map[string]bool{}
		for _, k := range projectKeys {
			known[k] = true
		}
		scheduleKeys, err := vc.Schedule.Keys(ctx)
		if err != nil {
			return err
		}
		var dangling []string
		for _, id := range scheduleKeys {
			value, ok, err := vc.Schedule.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ref, _ := value["projectId"].(string)
			if ref == "" || known[ref] {
				continue
			}
			if orphaned, _ := value["orphaned"].(bool); orphaned {
				continue
			}
			if repair {
				value["orphaned"] = true
				if err := vc.Schedule.Set(ctx, id, value); err != nil {
					return err
				}
				continue
			}
			dangling = append(dangling, fmt.Sprintf("%s -> %s", id, ref))
		}
		if len(dangling) > 0 {
			return fmt.Errorf("dangling schedule entries: %s", strings.Join(dangling, ", "))
		}
		return nil
	}
	return Rule{
		ID:       "schedule.dangling_refs",
		Severity: domain.SeverityCritical,
		Check: func(ctx context.Context, vc *Context) error {
			return scan(ctx, vc, false)
		},
		Repair: func(ctx context.Context, vc *Context) error {
			return scan(ctx, vc, true)
		},
	}
}

// stuckMigrationsRule flags tasks that have sat in Running for over an hour,
// usually a crashed process mid-run.
func stuckMigrationsRule() Rule {
	return Rule{
		ID:       "migration_tasks.stuck",
		Severity: domain.SeverityWarning,
		Check: func(ctx context.Context, vc *Context) error {
			tasks, err := vc.Repo.ListMigrationTasks(ctx, domain.TaskRunning)
			if err != nil {
				return err
			}
			cutoff := time.Now().UTC().Add(-time.Hour)
			var stuck []string
			for _, task := range tasks {
				if task.StartedAt == nil {
					continue
				}
				started, err := time.Parse(time.RFC3339, *task.StartedAt)
				if err != nil || started.Before(cutoff) {
					stuck = append(stuck, task.ID)
				}
			}
			if len(stuck) > 0 {
				return fmt.Errorf("tasks running for over an hour: %s", strings.Join(stuck, ", "))
			}
			return nil
		},
	}
}
