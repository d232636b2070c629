package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/persistence"
)

const (
	sessionA = "a0a0a0a0-1111-2222-3333-444444444401"
	sessionB = "a0a0a0a0-1111-2222-3333-444444444402"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "devbridge.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "debug_sessions", "evaluations", "audit_log", "kv_store"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStore_ReopenKeepsSingleLedgerRow(t *testing.T) {
	store, dbPath := openTestStore(t)
	_ = store.Close()

	again, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	var rows int
	if err := again.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&rows); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if rows != 1 {
		t.Fatalf("ledger rows = %d, want 1", rows)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "devbridge.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_DefaultPathUsesHomeEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEVBRIDGE_HOME", home)
	if got, want := persistence.DefaultDBPath(), filepath.Join(home, "devbridge.db"); got != want {
		t.Fatalf("DefaultDBPath = %q, want %q", got, want)
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	opened := time.Now().Add(-time.Minute)

	if err := store.OpenSession(ctx, sessionA, "127.0.0.1:5000", opened); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.OpenSession(ctx, "not-a-uuid", "", opened); err == nil {
		t.Fatal("expected invalid session id error")
	}
	for i, expr := range []string{"1+1", "throw 1"} {
		outcome := bus.OutcomeOK
		if i == 1 {
			outcome = bus.OutcomeThrown
		}
		if _, err := store.RecordEvaluation(ctx, persistence.Evaluation{
			SessionID:  sessionA,
			Method:     "Runtime.evaluate",
			Expression: expr,
			Outcome:    outcome,
			DurationMS: 3,
		}); err != nil {
			t.Fatalf("record evaluation: %v", err)
		}
	}
	if err := store.CloseSession(ctx, sessionA, "disconnect", time.Now()); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := store.CloseSession(ctx, sessionA, "shutdown", time.Now()); err != nil {
		t.Fatalf("second close: %v", err)
	}

	got, err := store.GetSession(ctx, sessionA)
	if err != nil || got == nil {
		t.Fatalf("get session: %v %v", got, err)
	}
	if got.RemoteAddr != "127.0.0.1:5000" || got.ClosedAt == nil || got.CloseReason != "disconnect" || got.Evaluations != 2 {
		t.Fatalf("unexpected session %+v", got)
	}

	evals, err := store.ListEvaluations(ctx, sessionA, 0)
	if err != nil {
		t.Fatalf("list evaluations: %v", err)
	}
	if len(evals) != 2 || evals[0].Expression != "1+1" || evals[1].Outcome != bus.OutcomeThrown {
		t.Fatalf("unexpected evaluations %+v", evals)
	}

	missing, err := store.GetSession(ctx, sessionB)
	if err != nil || missing != nil {
		t.Fatalf("expected no session, got %+v %v", missing, err)
	}
}

func TestStore_ListSessionsNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.OpenSession(ctx, sessionA, "", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.OpenSession(ctx, sessionB, "", now); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != sessionB || sessions[1].ID != sessionA {
		t.Fatalf("unexpected order %+v", sessions)
	}
	if sessions[0].ClosedAt != nil {
		t.Fatalf("open session reported closed: %+v", sessions[0])
	}

	one, err := store.ListSessions(ctx, 1)
	if err != nil || len(one) != 1 {
		t.Fatalf("limit 1: %v %v", one, err)
	}
}

func TestStore_RunRetention(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicHistoryPruned)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "devbridge.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	if err := store.OpenSession(ctx, sessionA, "", old); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordEvaluation(ctx, persistence.Evaluation{SessionID: sessionA, Method: "Runtime.evaluate", Outcome: bus.OutcomeOK, CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := store.CloseSession(ctx, sessionA, "disconnect", old.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// Still open, so kept regardless of age.
	if err := store.OpenSession(ctx, sessionB, "", old); err != nil {
		t.Fatal(err)
	}

	result, err := store.RunRetention(ctx, 0)
	if err != nil || result != (persistence.RetentionResult{}) {
		t.Fatalf("disabled retention: %+v %v", result, err)
	}
	if last, _ := store.KVGet(ctx, persistence.KeyRetentionLastRun); last != "" {
		t.Fatalf("disabled retention recorded a run: %q", last)
	}

	result, err = store.RunRetention(ctx, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedSessions != 1 || result.PurgedEvaluations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	last, err := store.KVGet(ctx, persistence.KeyRetentionLastRun)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339, last); err != nil {
		t.Fatalf("last run = %q: %v", last, err)
	}
	select {
	case ev := <-sub.Ch():
		pruned, ok := ev.Payload.(bus.HistoryPrunedEvent)
		if !ok || pruned.Sessions != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no pruned event")
	}

	result, err = store.RunRetention(ctx, 30)
	if err != nil || result.PurgedSessions != 0 {
		t.Fatalf("second run: %+v %v", result, err)
	}
	if s, _ := store.GetSession(ctx, sessionB); s == nil {
		t.Fatal("open session was pruned")
	}
}

func TestStore_KV(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	val, err := store.KVGet(ctx, "nonexistent-key")
	if err != nil || val != "" {
		t.Fatalf("missing key: %q %v", val, err)
	}
	if err := store.KVSet(ctx, "key1", "val1"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "key1", "val2"); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	val, err = store.KVGet(ctx, "key1")
	if err != nil || val != "val2" {
		t.Fatalf("expected val2, got %q %v", val, err)
	}
}
