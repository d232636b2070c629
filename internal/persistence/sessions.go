package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DebugSession is one debugger connection that occupied the slot.
type DebugSession struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remote_addr"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	Evaluations int        `json:"evaluations"`
}

// Evaluation is one recorded evaluate, callFunctionOn or legacy eval.
type Evaluation struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Method     string    `json:"method"`
	Expression string    `json:"expression"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}

// OpenSession records a new debug session. Reopening an existing id is a
// no-op.
func (s *Store) OpenSession(ctx context.Context, id, remoteAddr string, openedAt time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO debug_sessions (id, remote_addr, opened_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, id, remoteAddr, openedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert debug session: %w", err)
		}
		return nil
	})
}

// CloseSession stamps closed_at and the reason. Only the first close
// sticks.
func (s *Store) CloseSession(ctx context.Context, id, reason string, closedAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE debug_sessions SET closed_at = ?, close_reason = ?
			WHERE id = ? AND closed_at IS NULL;
		`, closedAt.UTC(), reason, id)
		if err != nil {
			return fmt.Errorf("close debug session: %w", err)
		}
		return nil
	})
}

// RecordEvaluation appends an evaluation row.
func (s *Store) RecordEvaluation(ctx context.Context, e Evaluation) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO evaluations (session_id, trace_id, method, expression, outcome, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.SessionID, e.TraceID, e.Method, e.Expression, e.Outcome, e.DurationMS, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListSessions returns the most recent sessions first, with their
// evaluation counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]DebugSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.remote_addr, d.opened_at, d.closed_at, d.close_reason,
			(SELECT COUNT(*) FROM evaluations e WHERE e.session_id = d.id)
		FROM debug_sessions d
		ORDER BY d.opened_at DESC
		LIMIT ?;
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []DebugSession{}
	for rows.Next() {
		var (
			d      DebugSession
			closed sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.RemoteAddr, &d.OpenedAt, &closed, &d.CloseReason, &d.Evaluations); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if closed.Valid {
			t := closed.Time
			d.ClosedAt = &t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

// GetSession returns the session with id, or nil when there is none.
func (s *Store) GetSession(ctx context.Context, id string) (*DebugSession, error) {
	var (
		d      DebugSession
		closed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, remote_addr, opened_at, closed_at, close_reason,
			(SELECT COUNT(*) FROM evaluations WHERE session_id = ?)
		FROM debug_sessions WHERE id = ?;
	`, id, id).Scan(&d.ID, &d.RemoteAddr, &d.OpenedAt, &closed, &d.CloseReason, &d.Evaluations)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if closed.Valid {
		t := closed.Time
		d.ClosedAt = &t
	}
	return &d, nil
}

// ListEvaluations returns a session's evaluations in the order they ran.
func (s *Store) ListEvaluations(ctx context.Context, sessionID string, limit int) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, trace_id, method, expression, outcome, duration_ms, created_at
		FROM evaluations
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	out := []Evaluation{}
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.Method, &e.Expression, &e.Outcome, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evaluations rows: %w", err)
	}
	return out, nil
}
