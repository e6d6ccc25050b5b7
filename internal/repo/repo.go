package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"syncline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Repo persists transition records, migration tasks and the dedup snapshot.
type Repo struct {
	DB *sql.DB
}

// --- transition records ---

func (r Repo) InsertTransitionRecord(ctx context.Context, rec domain.TransitionRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertTransitionRecordTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertTransitionRecordTx(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transition_records(id,entity_id,from_phase,to_phase,backward,mode,triggered_by,trigger_event_id,status,created_at,applied_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.EntityID, string(rec.FromPhase), string(rec.ToPhase), boolToInt(rec.Backward),
		string(rec.Mode), rec.TriggeredBy, nullableString(rec.TriggerEventID), string(rec.Status),
		rec.CreatedAt, rec.AppliedAt)
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

// SetTransitionRecordStatus moves a record through its lifecycle. The row is
// otherwise immutable after insert.
func (r Repo) SetTransitionRecordStatus(ctx context.Context, id string, status domain.RecordStatus, appliedAt *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE transition_records SET status=?, applied_at=? WHERE id=?`,
		string(status), appliedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTransitionRecord(ctx context.Context, id string) (domain.TransitionRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_id,from_phase,to_phase,backward,mode,triggered_by,trigger_event_id,status,created_at,applied_at
FROM transition_records WHERE id=?`, id)
	return scanTransitionRecord(row)
}

func (r Repo) ListTransitionRecords(ctx context.Context, entityID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,from_phase,to_phase,backward,mode,triggered_by,trigger_event_id,status,created_at,applied_at
FROM transition_records WHERE entity_id=? ORDER BY created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TransitionRecord
	for rows.Next() {
		rec, err := scanTransitionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAppliedByTrigger reports how many Applied records a trigger event
// produced; used by the consistency validator to detect duplicate delivery.
func (r Repo) CountAppliedByTrigger(ctx context.Context, triggerEventID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM transition_records WHERE trigger_event_id=? AND status='applied'`, triggerEventID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransitionRecord(row rowScanner) (domain.TransitionRecord, error) {
	var rec domain.TransitionRecord
	var backward int
	var triggerEventID, appliedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.EntityID, &rec.FromPhase, &rec.ToPhase, &backward,
		&rec.Mode, &rec.TriggeredBy, &triggerEventID, &rec.Status, &rec.CreatedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Backward = backward != 0
	if triggerEventID.Valid {
		rec.TriggerEventID = triggerEventID.String
	}
	if appliedAt.Valid {
		s := appliedAt.String
		rec.AppliedAt = &s
	}
	return rec, nil
}

// --- migration tasks ---

func (r Repo) UpsertMigrationTask(ctx context.Context, task domain.MigrationTask) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO migration_tasks(id,status,attempts,max_attempts,last_error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, attempts=excluded.attempts,
max_attempts=excluded.max_attempts, last_error=excluded.last_error,
started_at=excluded.started_at, finished_at=excluded.finished_at`,
		task.ID, string(task.Status), task.Attempts, task.MaxAttempts,
		nullableString(task.LastError), task.StartedAt, task.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert migration task: %w", err)
	}
	return nil
}

func (r Repo) GetMigrationTask(ctx context.Context, id string) (domain.MigrationTask, error) {
	var task domain.MigrationTask
	var lastError, startedAt, finishedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,attempts,max_attempts,last_error,started_at,finished_at
FROM migration_tasks WHERE id=?`, id).
		Scan(&task.ID, &task.Status, &task.Attempts, &task.MaxAttempts, &lastError, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return task, ErrNotFound
	}
	if err != nil {
		return task, err
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if startedAt.Valid {
		s := startedAt.String
		task.StartedAt = &s
	}
	if finishedAt.Valid {
		s := finishedAt.String
		task.FinishedAt = &s
	}
	return task, nil
}

func (r Repo) ListMigrationTasks(ctx context.Context, status domain.TaskStatus) ([]domain.MigrationTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM migration_tasks WHERE status=? ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []domain.MigrationTask
	for _, id := range ids {
		task, err := r.GetMigrationTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// --- dedup snapshot ---

// SaveDedupSeen records a processed event id so the dedup cache survives
// restarts within its TTL.
func (r Repo) SaveDedupSeen(ctx context.Context, eventID string, seenAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dedup_cache(event_id,seen_at) VALUES (?,?)
ON CONFLICT(event_id) DO UPDATE SET seen_at=excluded.seen_at`,
		eventID, seenAt.UTC().Format(time.RFC3339))
	return err
}

// LoadDedupSeen returns event ids seen at or after cutoff and prunes the rest.
func (r Repo) LoadDedupSeen(ctx context.Context, cutoff time.Time) ([]string, error) {
	boundary := cutoff.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM dedup_cache WHERE seen_at < ?`, boundary); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id FROM dedup_cache WHERE seen_at >= ? ORDER BY seen_at`, boundary)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- event journal queries ---

func (r Repo) ListEvents(ctx context.Context, kind string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT event_id,kind,source_store,causation_id,payload_json,emitted_at FROM sync_events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var causationID sql.NullString
		var payloadJSON string
		if err := rows.Scan(&evt.EventID, &evt.Kind, &evt.SourceStore, &causationID, &payloadJSON, &evt.EmittedAt); err != nil {
			return nil, err
		}
		if causationID.Valid {
			evt.CausationID = causationID.String
		}
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &evt.Payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
