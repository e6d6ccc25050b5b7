package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncline/internal/db"
	"syncline/internal/domain"
	"syncline/internal/migrate"
	"syncline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestTransitionRecordLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	rec := domain.TransitionRecord{
		ID:             "rec-1",
		EntityID:       "proj-1",
		FromPhase:      domain.PhasePlanning,
		ToPhase:        domain.PhaseDesign,
		Mode:           domain.ModeAuto,
		TriggeredBy:    "meeting_scheduled",
		TriggerEventID: "evt-1",
		Status:         domain.RecordPending,
		CreatedAt:      "2026-01-01T00:00:00Z",
	}
	if err := r.InsertTransitionRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetTransitionRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RecordPending || got.TriggerEventID != "evt-1" || got.AppliedAt != nil {
		t.Fatalf("unexpected record: %+v", got)
	}

	appliedAt := "2026-01-01T00:00:01Z"
	if err := r.SetTransitionRecordStatus(ctx, "rec-1", domain.RecordApplied, &appliedAt); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = r.GetTransitionRecord(ctx, "rec-1")
	if got.Status != domain.RecordApplied || got.AppliedAt == nil || *got.AppliedAt != appliedAt {
		t.Fatalf("status update lost: %+v", got)
	}

	if err := r.SetTransitionRecordStatus(ctx, "missing", domain.RecordApplied, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := r.CountAppliedByTrigger(ctx, "evt-1")
	if err != nil || n != 1 {
		t.Fatalf("count by trigger: n=%d err=%v", n, err)
	}
}

func TestListTransitionRecordsOrdered(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, ts := range []string{"2026-01-01T00:00:02Z", "2026-01-01T00:00:01Z"} {
		rec := domain.TransitionRecord{
			ID:          string(rune('a' + i)),
			EntityID:    "proj-1",
			FromPhase:   domain.PhaseIdle,
			ToPhase:     domain.PhasePreparation,
			Mode:        domain.ModeAuto,
			TriggeredBy: "t",
			Status:      domain.RecordApplied,
			CreatedAt:   ts,
		}
		if err := r.InsertTransitionRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := r.ListTransitionRecords(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "b" || recs[1].ID != "a" {
		t.Fatalf("expected oldest-first ordering, got %+v", recs)
	}
	if recs, _ := r.ListTransitionRecords(ctx, "other"); len(recs) != 0 {
		t.Fatalf("entity filter broken")
	}
}

func TestMigrationTaskRoundtrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	started := "2026-01-01T00:00:00Z"
	task := domain.MigrationTask{
		ID:          "backfill",
		Status:      domain.TaskRunning,
		Attempts:    1,
		MaxAttempts: 3,
		StartedAt:   &started,
	}
	if err := r.UpsertMigrationTask(ctx, task); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	task.Status = domain.TaskFailed
	task.Attempts = 3
	task.LastError = "target unavailable"
	if err := r.UpsertMigrationTask(ctx, task); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := r.GetMigrationTask(ctx, "backfill")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskFailed || got.Attempts != 3 || got.LastError != "target unavailable" {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
	if _, err := r.GetMigrationTask(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	running, err := r.ListMigrationTasks(ctx, domain.TaskRunning)
	if err != nil || len(running) != 0 {
		t.Fatalf("status filter broken: %v %v", running, err)
	}
	failed, _ := r.ListMigrationTasks(ctx, domain.TaskFailed)
	if len(failed) != 1 || failed[0].ID != "backfill" {
		t.Fatalf("expected failed task listed, got %+v", failed)
	}
}

func TestDedupSnapshotPrunes(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := r.SaveDedupSeen(ctx, "old", base.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveDedupSeen(ctx, "fresh", base); err != nil {
		t.Fatal(err)
	}
	ids, err := r.LoadDedupSeen(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("expected only fresh id, got %v", ids)
	}
	// the stale row is gone for good
	ids, _ = r.LoadDedupSeen(ctx, base.Add(-2*time.Hour))
	if len(ids) != 1 {
		t.Fatalf("expected pruned snapshot, got %v", ids)
	}
}
