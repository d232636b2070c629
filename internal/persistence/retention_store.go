package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/devbridge/internal/bus"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSessions    int64 `json:"purged_sessions"`
	PurgedEvaluations int64 `json:"purged_evaluations"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
}

// KeyRetentionLastRun is the kv_store key holding the RFC 3339 time of the
// last completed retention run.
const KeyRetentionLastRun = "retention.last_run"

// RunRetention removes sessions opened more than sessionDays ago together
// with their evaluations, and audit rows of the same age. Zero or negative
// days disables the run. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, sessionDays int) (RetentionResult, error) {
	var result RetentionResult
	if sessionDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -sessionDays)
	result, err := s.PruneBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	if err := s.KVSet(ctx, KeyRetentionLastRun, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return result, err
	}
	if result.PurgedSessions+result.PurgedEvaluations+result.PurgedAuditLogs > 0 {
		s.bus.Publish(bus.TopicHistoryPruned, bus.HistoryPrunedEvent{
			Sessions:    result.PurgedSessions,
			Evaluations: result.PurgedEvaluations,
			AuditLogs:   result.PurgedAuditLogs,
			Cutoff:      cutoff,
		})
	}
	return result, nil
}

// PruneBefore deletes sessions opened before cutoff, their evaluations and
// older audit rows in one transaction. Open sessions are kept.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	err := retryOnBusy(ctx, 5, func() error {
		result = RetentionResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM evaluations WHERE session_id IN (
				SELECT id FROM debug_sessions WHERE opened_at < ? AND closed_at IS NOT NULL
			);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge evaluations: %w", err)
		}
		result.PurgedEvaluations, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM debug_sessions WHERE opened_at < ? AND closed_at IS NOT NULL;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge debug_sessions: %w", err)
		}
		result.PurgedSessions, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()

		return tx.Commit()
	})
	return result, err
}
