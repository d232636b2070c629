package persistence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/devbridge/internal/bus"
)

// Recorder turns bus events into session and evaluation rows. It uses a
// single subscription so a session row is always written before the
// evaluations that reference it.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	sub  *bus.Subscription
	done chan struct{}
	once sync.Once
}

// NewRecorder creates a recorder; call Start to begin consuming.
func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: b, logger: logger, done: make(chan struct{})}
}

// Start subscribes and consumes until ctx is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.sub = r.bus.SubscribeBuffered("", 1024)
	go r.loop(ctx)
}

// Stop unsubscribes and waits for the consumer to drain.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		r.bus.Unsubscribe(r.sub)
		<-r.done
	})
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			r.handle(context.WithoutCancel(ctx), ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev bus.Event) {
	var err error
	switch p := ev.Payload.(type) {
	case bus.SessionOpenedEvent:
		err = r.store.OpenSession(ctx, p.SessionID, p.RemoteAddr, p.OpenedAt)
	case bus.SessionClosedEvent:
		err = r.store.CloseSession(ctx, p.SessionID, p.Reason, p.ClosedAt)
	case bus.RuntimeEvaluatedEvent:
		_, err = r.store.RecordEvaluation(ctx, Evaluation{
			SessionID:  p.SessionID,
			TraceID:    p.TraceID,
			Method:     p.Method,
			Expression: p.Expression,
			Outcome:    p.Outcome,
			DurationMS: p.Duration.Milliseconds(),
		})
	default:
		return
	}
	if err != nil {
		r.logger.Warn("store: record event failed", "topic", ev.Topic, "error", err)
	}
}
