package audit

import (
	"context"
	"sync"

	"corpportal.org/internal/auth"
)

// Ring keeps the most recent events in memory. Used when no database is
// configured and in tests.
type Ring struct {
	mu     sync.Mutex
	events []auth.SecurityEvent
	next   int
	full   bool
}

// NewRing returns a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Ring{events: make([]auth.SecurityEvent, size)}
}

// Record implements auth.AuditSink.
func (r *Ring) Record(_ context.Context, ev auth.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns the newest events first, optionally for one subject.
func (r *Ring) Recent(_ context.Context, subjectID string, limit int) ([]auth.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auth.SecurityEvent, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (r.next - 1 - i + len(r.events)) % len(r.events)
		ev := r.events[idx]
		if subjectID != "" && ev.SubjectID != subjectID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Kinds lists the kinds of all retained events, oldest first.
func (r *Ring) Kinds() []auth.EventKind {
	events, _ := r.Recent(context.Background(), "", 0)
	out := make([]auth.EventKind, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev.Kind
	}
	return out
}
