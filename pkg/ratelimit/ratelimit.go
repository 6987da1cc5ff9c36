// Package ratelimit implements the fixed-window limiter every
// operator-exposed operation passes before doing storage work.
//
// Windows are anchored at the first hit: a row (windowStart, count) resets
// when now-windowStart reaches the window size, increments below the limit,
// and rejects at it. Counters are best-effort; the default in-memory store
// loses them on restart, which the contract allows. A Redis store is
// available for multi-replica deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/log"
)

// Operation names used as limiter keys, combined with the principal.
const (
	OpEnqueue       = "jobs.enqueue"
	OpReserve       = "jobs.reserve"
	OpDeleteStart   = "project.deleteStart"
	OpDeleteConfirm = "project.deleteConfirm"
)

// Rule is a fixed-window limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the per-operation limits. Operations without a rule
// fall back to the default.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		OpEnqueue:       {Limit: 60, Window: time.Minute},
		OpReserve:       {Limit: 60, Window: time.Minute},
		OpDeleteStart:   {Limit: 5, Window: time.Minute},
		OpDeleteConfirm: {Limit: 5, Window: time.Minute},
	}
}

// DefaultRule applies to operations without an explicit rule.
var DefaultRule = Rule{Limit: 240, Window: time.Minute}

// Store is a fixed-window counter backend.
type Store interface {
	// Check performs check-and-increment for key and reports whether the
	// call is within limit.
	Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
}

// Limiter applies per-operation rules over a store.
type Limiter struct {
	store  Store
	rules  map[string]Rule
	def    Rule
	logger zerolog.Logger
}

// New creates a limiter with the given rules; nil means DefaultRules.
func New(store Store, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		store:  store,
		rules:  rules,
		def:    DefaultRule,
		logger: log.WithComponent("ratelimit"),
	}
}

// Allow checks op for principal at now. It returns a rate_limited error at
// the limit. Store failures are logged and fail open: shedding load must
// not take the control plane down with it.
func (l *Limiter) Allow(ctx context.Context, op, principal string, now time.Time) error {
	rule, ok := l.rules[op]
	if !ok {
		rule = l.def
	}
	key := op + ":" + principal

	allowed, err := l.store.Check(ctx, key, rule.Limit, rule.Window, now)
	if err != nil {
		l.logger.Warn().Err(err).Str("op", op).Msg("rate-limit store unavailable, allowing")
		return nil
	}
	if !allowed {
		return errdefs.RateLimited("%s: too many requests, retry later", op)
	}
	return nil
}

type memoryWindow struct {
	start  time.Time
	count  int
	window time.Duration
}

// MemoryStore keeps windows in a map. It is the default backend.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		stopCh:  make(chan struct{}),
	}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= window {
		s.windows[key] = &memoryWindow{start: now, count: 1, window: window}
		return true, nil
	}
	if w.count < limit {
		w.count++
		return true, nil
	}
	return false, nil
}

// Start launches the background janitor that drops expired windows.
func (s *MemoryStore) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.prune(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the janitor.
func (s *MemoryStore) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *MemoryStore) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if now.Sub(w.start) >= 2*w.window {
			delete(s.windows, key)
		}
	}
}

// Len reports the number of active windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
