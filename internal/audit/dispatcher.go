package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"corpportal.org/internal/auth"
	"corpportal.org/internal/obs"
)

const (
	defaultBufferSize    = 1024
	defaultRecordTimeout = 5 * time.Second
)

// ErrDispatcherClosed is returned by Record after Close.
var ErrDispatcherClosed = errors.New("audit: dispatcher closed")

type queued struct {
	requestID string
	actor     string
	event     auth.SecurityEvent
}

// Dispatcher decouples the login path from slow sinks. Record never blocks:
// when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink    auth.AuditSink
	logger  *zap.Logger
	timeout time.Duration

	queue   chan queued
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan queued, n)
		}
	}
}

// WithRecordTimeout bounds each downstream Record call.
func WithRecordTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithDispatcherLogger overrides the logger used for sink failures.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher starts a worker draining events into sink.
func NewDispatcher(sink auth.AuditSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		logger:  obs.Logger(),
		timeout: defaultRecordTimeout,
		queue:   make(chan queued, defaultBufferSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Record enqueues ev. It returns ErrDispatcherClosed after Close and nil
// otherwise, including when the event is dropped.
func (d *Dispatcher) Record(ctx context.Context, ev auth.SecurityEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	item := queued{requestID: RequestIDFromContext(ctx), event: ev}
	if actor, ok := auth.SubjectIDFromContext(ctx); ok {
		item.actor = actor
	}
	select {
	case d.queue <- item:
		obs.RecordAuditEvent(string(ev.Kind))
	default:
		d.dropped.Add(1)
		obs.RecordAuditDrop()
		d.logger.Warn("audit buffer full, event dropped",
			zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
	}
	return nil
}

// Dropped returns how many events were discarded on a full buffer.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for item := range d.queue {
		ctx, cancel := context.WithTimeout(WithRequestID(context.Background(), item.requestID), d.timeout)
		if item.actor != "" {
			detail := make(map[string]string, len(item.event.Detail)+1)
			for k, v := range item.event.Detail {
				detail[k] = v
			}
			detail["actor_id"] = item.actor
			item.event.Detail = detail
		}
		if err := d.sink.Record(ctx, item.event); err != nil {
			obs.RecordAuditFailure()
			d.logger.Warn("audit sink record failed",
				zap.String("kind", string(item.event.Kind)),
				zap.String("event_id", item.event.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// FanOut delivers each event to every sink and joins their errors.
type FanOut []auth.AuditSink

// Record implements auth.AuditSink.
func (f FanOut) Record(ctx context.Context, ev auth.SecurityEvent) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
