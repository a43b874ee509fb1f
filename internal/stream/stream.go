// Package stream fans security events out to live subscribers such as the
// /v1/audit/stream SSE endpoint.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"corpportal.org/internal/auth"
)

const defaultSubscriberBuffer = 16

// Hub fans events out to all active subscribers. It is an auth.AuditSink so
// it can sit behind the audit dispatcher next to the persistent stores.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	dropped atomic.Uint64
}

type subscriber struct {
	ch        chan auth.SecurityEvent
	subjectID string
}

var _ auth.AuditSink = (*Hub)(nil)

// New initialises an empty hub. buffer <= 0 uses the default per-subscriber
// buffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events, optionally only those for subjectID. The channel is closed when ctx
// ends.
func (h *Hub) Subscribe(ctx context.Context, subjectID string) <-chan auth.SecurityEvent {
	ch := make(chan auth.SecurityEvent, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, subjectID: subjectID}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Publish fans ev out to all matching subscribers.
func (h *Hub) Publish(ev auth.SecurityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.subjectID != "" && sub.subjectID != ev.SubjectID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscribers lose events rather than stall the dispatcher.
			h.dropped.Add(1)
		}
	}
}

// Record implements auth.AuditSink.
func (h *Hub) Record(_ context.Context, ev auth.SecurityEvent) error {
	h.Publish(ev)
	return nil
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
