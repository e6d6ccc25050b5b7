package migrate_test

import (
	"testing"

	"syncline/internal/db"
	"syncline/internal/migrate"
)

func TestMigrateIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v1, err := migrate.Version(conn)
	if err != nil || v1 < 1 {
		t.Fatalf("version after migrate: %d, %v", v1, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate must be a no-op: %v", err)
	}
	v2, _ := migrate.Version(conn)
	if v2 != v1 {
		t.Fatalf("version changed on re-run: %d -> %d", v1, v2)
	}
	// core tables must exist
	for _, table := range []string{"kv", "transition_records", "migration_tasks", "sync_events", "dedup_cache"} {
		var n int
		if err := conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("missing table %s: n=%d err=%v", table, n, err)
		}
	}
}
