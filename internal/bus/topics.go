package bus

import "time"

// Session lifecycle topics. All share the "session." prefix.
const (
	TopicSessionOpened   = "session.opened"
	TopicSessionClosed   = "session.closed"
	TopicSessionRejected = "session.rejected"
)

// TopicRuntimeEvaluated is published after every evaluate, callFunctionOn
// and legacy eval request.
const TopicRuntimeEvaluated = "runtime.evaluated"

// TopicConfigReloaded is published by the daemon after the config file
// changed and was re-read.
const TopicConfigReloaded = "config.reloaded"

// SessionOpenedEvent is published when a debugger occupies the slot.
type SessionOpenedEvent struct {
	SessionID  string
	RemoteAddr string
	OpenedAt   time.Time
}

// SessionClosedEvent is published when the active session ends.
type SessionClosedEvent struct {
	SessionID string
	ClosedAt  time.Time
	Reason    string // "disconnect", "shutdown", "read_error"
}

// SessionRejectedEvent is published when a connection arrives while the
// slot is occupied.
type SessionRejectedEvent struct {
	RemoteAddr string
	ActiveID   string
}

// Evaluation outcomes carried by RuntimeEvaluatedEvent.
const (
	OutcomeOK     = "ok"
	OutcomeThrown = "thrown"
	OutcomeError  = "error"
)

// RuntimeEvaluatedEvent describes one evaluation request.
type RuntimeEvaluatedEvent struct {
	SessionID  string
	TraceID    string
	Method     string
	Expression string
	Outcome    string
	Duration   time.Duration
}

// ConfigReloadedEvent carries the fingerprint of the reloaded config.
type ConfigReloadedEvent struct {
	Fingerprint string
	Path        string
}

// TopicHistoryPruned is published by the store after a retention run
// removed at least one row.
const TopicHistoryPruned = "history.pruned"

// HistoryPrunedEvent reports what a retention run removed.
type HistoryPrunedEvent struct {
	Sessions    int64
	Evaluations int64
	AuditLogs   int64
	Cutoff      time.Time
}
