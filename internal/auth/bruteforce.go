package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultFailureThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultFailureWindow    = 15 * time.Minute
)

// LockoutPolicy configures when an identifier becomes locked.
type LockoutPolicy struct {
	Threshold       int
	FailureWindow   time.Duration
	LockoutDuration time.Duration
}

// AttemptRecord is the per-identifier failure state.
type AttemptRecord struct {
	Identifier  string
	Failures    int
	LastFailure time.Time
	LockedUntil time.Time
}

// Locked reports whether the record holds an unexpired lock at now.
func (r AttemptRecord) Locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// AttemptStore holds failure counters. Fail must be atomic per identifier:
// of any number of concurrent calls that cross the threshold, exactly one
// reports lockedNow.
type AttemptStore interface {
	Locked(ctx context.Context, identifier string, now time.Time) (bool, error)
	Fail(ctx context.Context, identifier string, now time.Time, policy LockoutPolicy) (lockedNow bool, err error)
	Clear(ctx context.Context, identifier string) error
}

// Guard is the brute-force lockout state machine:
// CLEAR -> ACCUMULATING(n) -> LOCKED(until) -> CLEAR.
type Guard struct {
	store  AttemptStore
	policy LockoutPolicy
	now    func() time.Time
}

// GuardOption configures Guard behavior.
type GuardOption func(*Guard) error

// WithFailureThreshold sets the failure count that triggers a lock.
func WithFailureThreshold(n int) GuardOption {
	return func(g *Guard) error {
		if n <= 0 {
			return errors.New("auth: failure threshold must be positive")
		}
		g.policy.Threshold = n
		return nil
	}
}

// WithLockoutDuration sets how long a lock lasts.
func WithLockoutDuration(d time.Duration) GuardOption {
	return func(g *Guard) error {
		if d > 0 {
			g.policy.LockoutDuration = d
		}
		return nil
	}
}

// WithFailureWindow sets how long a failure counts toward the threshold.
func WithFailureWindow(d time.Duration) GuardOption {
	return func(g *Guard) error {
		if d > 0 {
			g.policy.FailureWindow = d
		}
		return nil
	}
}

// WithAttemptStore replaces the default in-memory store.
func WithAttemptStore(store AttemptStore) GuardOption {
	return func(g *Guard) error {
		if store != nil {
			g.store = store
		}
		return nil
	}
}

// WithGuardClock overrides the time source.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) error {
		if fn != nil {
			g.now = fn
		}
		return nil
	}
}

// NewGuard constructs a Guard backed by an in-memory store unless one is given.
func NewGuard(opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		policy: LockoutPolicy{
			Threshold:       DefaultFailureThreshold,
			FailureWindow:   DefaultFailureWindow,
			LockoutDuration: DefaultLockoutDuration,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.store == nil {
		g.store = NewMemoryAttemptStore()
	}
	return g, nil
}

// Policy returns the active lockout policy.
func (g *Guard) Policy() LockoutPolicy { return g.policy }

// IsLocked reports whether identifier is currently locked. Expired locks
// read as clear.
func (g *Guard) IsLocked(ctx context.Context, identifier string) (bool, error) {
	return g.store.Locked(ctx, identifier, g.now())
}

// RecordFailure counts a failure and reports whether this call locked the
// identifier.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) (bool, error) {
	return g.store.Fail(ctx, identifier, g.now(), g.policy)
}

// Clear resets the identifier to CLEAR.
func (g *Guard) Clear(ctx context.Context, identifier string) error {
	return g.store.Clear(ctx, identifier)
}

const attemptShards = 32

type attemptShard struct {
	mu      sync.Mutex
	records map[string]*AttemptRecord
}

// MemoryAttemptStore keeps attempt records in process, sharded by identifier
// hash so unrelated identifiers do not contend.
type MemoryAttemptStore struct {
	shards [attemptShards]attemptShard
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

// NewMemoryAttemptStore returns an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	s := &MemoryAttemptStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*AttemptRecord)
	}
	return s
}

func (s *MemoryAttemptStore) shard(identifier string) *attemptShard {
	return &s.shards[xxhash.Sum64String(identifier)%attemptShards]
}

// Locked implements AttemptStore.
func (s *MemoryAttemptStore) Locked(_ context.Context, identifier string, now time.Time) (bool, error) {
	sh := s.shard(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[identifier]
	if !ok {
		return false, nil
	}
	if rec.Locked(now) {
		return true, nil
	}
	if !rec.LockedUntil.IsZero() {
		delete(sh.records, identifier)
	}
	return false, nil
}

// Fail implements AttemptStore.
func (s *MemoryAttemptStore) Fail(_ context.Context, identifier string, now time.Time, policy LockoutPolicy) (bool, error) {
	sh := s.shard(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[identifier]
	switch {
	case !ok:
		rec = &AttemptRecord{Identifier: identifier}
		sh.records[identifier] = rec
	case rec.Locked(now):
		rec.Failures++
		rec.LastFailure = now
		return false, nil
	case !rec.LockedUntil.IsZero():
		*rec = AttemptRecord{Identifier: identifier}
	case policy.FailureWindow > 0 && now.Sub(rec.LastFailure) > policy.FailureWindow:
		rec.Failures = 0
	}

	rec.Failures++
	rec.LastFailure = now
	if rec.Failures >= policy.Threshold {
		rec.LockedUntil = now.Add(policy.LockoutDuration)
		return true, nil
	}
	return false, nil
}

// Clear implements AttemptStore.
func (s *MemoryAttemptStore) Clear(_ context.Context, identifier string) error {
	sh := s.shard(identifier)
	sh.mu.Lock()
	delete(sh.records, identifier)
	sh.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the record for identifier.
func (s *MemoryAttemptStore) Snapshot(identifier string) (AttemptRecord, bool) {
	sh := s.shard(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[identifier]
	if !ok {
		return AttemptRecord{}, false
	}
	return *rec, true
}

// Prune drops expired locks and failures older than window. It returns the
// number of records removed.
func (s *MemoryAttemptStore) Prune(now time.Time, window time.Duration) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, rec := range sh.records {
			expiredLock := !rec.LockedUntil.IsZero() && !rec.Locked(now)
			staleCount := rec.LockedUntil.IsZero() && now.Sub(rec.LastFailure) > window
			if expiredLock || staleCount {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (s *MemoryAttemptStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// BuildIdentifier joins the subject and client address into a guard key.
func BuildIdentifier(subject, address string) string {
	subject = strings.ToLower(strings.TrimSpace(subject))
	address = strings.TrimSpace(address)
	if address == "" {
		return subject
	}
	return subject + "|" + address
}
