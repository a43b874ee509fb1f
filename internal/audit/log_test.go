package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"corpportal.org/internal/auth"
)

func TestLogSinkRecord(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithSession(ctx, auth.Session{Identity: auth.Identity{SubjectID: "admin-1"}})

	ev := auth.NewSecurityEvent(auth.EventLoginFailure, time.Now(), auth.Origin{Address: "10.0.0.7", Agent: "curl/8"})
	ev.SubjectID = "user-42"
	ev.Detail = map[string]string{"reason": auth.ReasonBadSecret}
	if err := sink.Record(ctx, ev); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "security_event" {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.LoggerName != "audit" {
		t.Fatalf("unexpected logger name: %s", entry.LoggerName)
	}
	fields := entry.ContextMap()
	want := map[string]any{
		"type":        "audit",
		"kind":        "LOGIN_FAILURE",
		"subject_id":  "user-42",
		"remote_addr": "10.0.0.7",
		"user_agent":  "curl/8",
		"request_id":  "req-123",
		"actor_id":    "admin-1",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Fatalf("field %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestLogSinkRejectsEmptyKind(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	if err := NewLogSink(zap.New(core)).Record(context.Background(), auth.SecurityEvent{}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}

func TestRingRecentNewestFirst(t *testing.T) {
	ring := NewRing(3)
	ctx := context.Background()
	for i, kind := range []auth.EventKind{auth.EventLoginFailure, auth.EventLoginFailure, auth.EventAccountLocked, auth.EventLoginSuccess} {
		ev := auth.NewSecurityEvent(kind, time.Unix(int64(i), 0), auth.Origin{})
		ev.SubjectID = "u1"
		if i == 1 {
			ev.SubjectID = "u2"
		}
		_ = ring.Record(ctx, ev)
	}

	got, err := ring.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	if got[0].Kind != auth.EventLoginSuccess || got[2].SubjectID != "u2" {
		t.Fatalf("unexpected order: %+v", got)
	}

	onlyU1, _ := ring.Recent(ctx, "u1", 10)
	if len(onlyU1) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(onlyU1))
	}

	kinds := ring.Kinds()
	if kinds[len(kinds)-1] != auth.EventLoginSuccess {
		t.Fatalf("Kinds should be oldest first: %v", kinds)
	}
}
