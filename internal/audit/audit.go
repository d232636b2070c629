// Package audit keeps an append-only trail of code executed on behalf of
// the debugger: one JSON line per evaluation in <home>/logs/audit.jsonl,
// mirrored into the audit_log table when a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/devbridge/internal/shared"
)

// maxSubjectLen caps how much of an expression is stored.
const maxSubjectLen = 2048

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id,omitempty"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	thrownCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ThrownCount returns how many audited evaluations threw since startup.
func ThrownCount() int64 {
	return thrownCount.Load()
}

// Record appends one audit entry. Trace and session ids come from ctx;
// subject is usually the evaluated source. Secrets are redacted before
// anything is written.
func Record(ctx context.Context, action, outcome, subject, detail string) {
	if outcome == "thrown" {
		thrownCount.Add(1)
	}

	subject = shared.Redact(truncate(subject))
	detail = shared.Redact(detail)
	traceID := shared.TraceID(ctx)
	sessionID := shared.SessionID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			SessionID: sessionID,
			Action:    action,
			Outcome:   outcome,
			Subject:   subject,
			Detail:    detail,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, session_id, action, outcome, subject, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, sessionID, action, outcome, subject, detail)
	}
}

func truncate(s string) string {
	if len(s) <= maxSubjectLen {
		return s
	}
	return s[:maxSubjectLen] + "…"
}
