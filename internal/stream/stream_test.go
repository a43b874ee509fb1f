package stream

import (
	"context"
	"testing"
	"time"

	"corpportal.org/internal/auth"
)

func event(kind auth.EventKind, subjectID string) auth.SecurityEvent {
	ev := auth.NewSecurityEvent(kind, time.Now(), auth.Origin{Address: "10.0.0.1"})
	ev.SubjectID = subjectID
	return ev
}

func receive(t *testing.T, ch <-chan auth.SecurityEvent) auth.SecurityEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return auth.SecurityEvent{}
}

func TestPublishFansOut(t *testing.T) {
	hub := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := hub.Subscribe(ctx, "")
	mine := hub.Subscribe(ctx, "user-1")

	if err := hub.Record(context.Background(), event(auth.EventLoginFailure, "user-2")); err != nil {
		t.Fatalf("record: %v", err)
	}
	hub.Publish(event(auth.EventLoginSuccess, "user-1"))

	if got := receive(t, all); got.SubjectID != "user-2" {
		t.Fatalf("expected user-2 first, got %+v", got)
	}
	if got := receive(t, all); got.SubjectID != "user-1" {
		t.Fatalf("expected user-1 second, got %+v", got)
	}
	if got := receive(t, mine); got.Kind != auth.EventLoginSuccess {
		t.Fatalf("filtered subscriber got %+v", got)
	}
	select {
	case ev := <-mine:
		t.Fatalf("filtered subscriber received foreign event %+v", ev)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = hub.Subscribe(ctx, "")

	hub.Publish(event(auth.EventLoginFailure, "a"))
	hub.Publish(event(auth.EventLoginFailure, "a"))
	hub.Publish(event(auth.EventLoginFailure, "a"))

	if got := hub.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped, got %d", got)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx, "")
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.Subscribers())
	}
	// Publishing after close must not panic.
	hub.Publish(event(auth.EventLoginSuccess, "x"))
}
