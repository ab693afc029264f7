package authenticator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	return &captureSink{events: make(chan AuditEvent, buffer)}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *captureSink) next(t *testing.T) AuditEvent {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
		return AuditEvent{}
	}
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	sink := &countingSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 8}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: AuditEventIssue})
	}
	d.Close()

	if got := sink.count.Load(); got != 5 {
		t.Fatalf("expected 5 delivered events, got %d", got)
	}

	// After Close the dispatcher ignores events instead of blocking.
	d.Emit(context.Background(), AuditEvent{EventType: AuditEventIssue})
	if got := sink.count.Load(); got != 5 {
		t.Fatalf("emit after close delivered: %d", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("disabled audit must produce a nil dispatcher")
	}

	// Nil receiver is safe.
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestGuardEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}

	sink := newCaptureSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true

	clock := newTestClock()
	guard, err := New().
		WithConfig(cfg).
		WithRedis(newTestRedis(t)).
		WithClock(clock.Now).
		WithAuditSink(sink).
		WithPrincipalResolver("user", PrincipalResolverFunc(func(ctx context.Context, id string) (Principal, error) {
			return alice, nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(guard.Close)

	issued, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	event := sink.next(t)
	if event.EventType != AuditEventIssue || event.OwnerID != "alice" || !event.Success {
		t.Fatalf("unexpected issue event: %+v", event)
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Fatalf("event missing id or timestamp: %+v", event)
	}

	if _, err := guard.Refresh(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	event = sink.next(t)
	if event.EventType != AuditEventRefresh || event.Sequence != 2 {
		t.Fatalf("unexpected refresh event: %+v", event)
	}

	if _, err := guard.Refresh(ctx, issued.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected reuse, got %v", err)
	}
	event = sink.next(t)
	if event.EventType != AuditEventReuse || event.Success {
		t.Fatalf("unexpected reuse event: %+v", event)
	}
	if event.FamilyID != issued.Family.FamilyID {
		t.Fatalf("reuse event names wrong family: %+v", event)
	}
}
