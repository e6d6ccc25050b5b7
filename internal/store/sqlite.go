package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncline/internal/domain"
)

// SQLite is a Store persisted in the kv table. Values are JSON-serialized;
// subscriptions are in-process (single-machine by contract).
type SQLite struct {
	id  string
	db  *sql.DB
	Now func() time.Time

	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
}

func NewSQLite(id string, db *sql.DB) *SQLite {
	return &SQLite{
		id:   id,
		db:   db,
		Now:  time.Now,
		subs: map[int]subscription{},
	}
}

func (s *SQLite) ID() string { return s.id }

func (s *SQLite) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM kv WHERE store_id=? AND id=?`, s.id, id).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, false, fmt.Errorf("decode kv %s/%s: %w", s.id, id, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, id string, value map[string]any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode kv %s/%s: %w", s.id, id, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv(store_id,id,value_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(store_id,id) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		s.id, id, string(data), s.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM kv WHERE store_id=? ORDER BY id`, s.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

func (s *SQLite) Subscribe(kind string, h Handler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{kind: kind, handler: h}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SQLite) Emit(ctx context.Context, kind string, payload map[string]any) domain.Event {
	evt := domain.Event{
		EventID:     uuid.New().String(),
		Kind:        kind,
		SourceStore: s.id,
		Payload:     deepCopy(payload),
		EmittedAt:   s.Now().UTC().Format(time.RFC3339),
	}
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		sub := s.subs[id]
		if sub.kind == "" || sub.kind == kind {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
	return evt
}
