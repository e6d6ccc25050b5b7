package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"syncline/internal/domain"
)

// Writer appends admitted bus events to the sync_events journal.
type Writer struct {
	DB *sql.DB
}

// Append records one event inside the given transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_events(event_id,kind,source_store,causation_id,payload_json,emitted_at) VALUES (?,?,?,?,?,?)`,
		evt.EventID, evt.Kind, evt.SourceStore, nullable(evt.CausationID), string(data), evt.EmittedAt)
	return err
}

// Record appends one event in its own transaction.
func (w Writer) Record(ctx context.Context, evt domain.Event) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
