package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/persistence"
)

func TestRecorder_WritesSessionAndEvaluations(t *testing.T) {
	store, _ := openTestStore(t)
	b := bus.New()
	rec := persistence.NewRecorder(store, b, nil)
	rec.Start(context.Background())

	now := time.Now()
	b.Publish(bus.TopicSessionOpened, bus.SessionOpenedEvent{SessionID: sessionA, RemoteAddr: "10.0.0.1:1", OpenedAt: now})
	b.Publish(bus.TopicRuntimeEvaluated, bus.RuntimeEvaluatedEvent{
		SessionID:  sessionA,
		TraceID:    "t-1",
		Method:     "Runtime.evaluate",
		Expression: "1+1",
		Outcome:    bus.OutcomeOK,
		Duration:   5 * time.Millisecond,
	})
	b.Publish(bus.TopicSessionRejected, bus.SessionRejectedEvent{RemoteAddr: "10.0.0.2:1", ActiveID: sessionA})
	b.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{SessionID: sessionA, ClosedAt: now, Reason: "disconnect"})
	rec.Stop()
	rec.Stop()

	ctx := context.Background()
	got, err := store.GetSession(ctx, sessionA)
	if err != nil || got == nil {
		t.Fatalf("get session: %v %v", got, err)
	}
	if got.CloseReason != "disconnect" || got.Evaluations != 1 {
		t.Fatalf("unexpected session %+v", got)
	}
	evals, err := store.ListEvaluations(ctx, sessionA, 10)
	if err != nil || len(evals) != 1 {
		t.Fatalf("evaluations: %+v %v", evals, err)
	}
	if evals[0].TraceID != "t-1" || evals[0].DurationMS != 5 {
		t.Fatalf("unexpected evaluation %+v", evals[0])
	}
}
