// Package ratelimit implements in-memory fixed-window rate limiting keyed by
// scope and client identity.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Scope names used by the gateway.
const (
	ScopeGlobal = "global"
	ScopeAuth   = "auth"
)

// ErrUnknownScope is returned when a scope has no configured rule.
var ErrUnknownScope = errors.New("ratelimit: unknown scope")

// Rule is the policy for one scope: at most Max admissions per Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules returns the built-in policies.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ScopeGlobal: {Window: 15 * time.Minute, Max: 100},
		ScopeAuth:   {Window: 15 * time.Minute, Max: 5},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// ResetAfter is ResetAt measured against the limiter's clock.
	ResetAfter time.Duration
}

// ResetSeconds rounds ResetAfter up to whole seconds, never below zero.
func (d Decision) ResetSeconds() int {
	if d.ResetAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.ResetAfter.Seconds()))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. It is at least 1
// for a rejected decision.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

// Limiter tracks one window per (scope, identity). Safe for concurrent use.
type Limiter struct {
	rules   map[string]Rule
	windows map[string]*window
	mu      sync.Mutex
	now     func() time.Time
	logger  *slog.Logger

	cleanupInterval time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithCleanupInterval sets how often elapsed windows are evicted.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cleanupInterval = d
		}
	}
}

// WithLogger sets the logger used by the cleanup loop.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter. Rules with a non-positive window or max are
// ignored; a nil map uses DefaultRules.
func New(rules map[string]Rule, opts ...Option) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}

	l := &Limiter{
		rules:           make(map[string]Rule, len(rules)),
		windows:         make(map[string]*window),
		now:             time.Now,
		logger:          slog.Default(),
		cleanupInterval: time.Minute,
		stopChan:        make(chan struct{}),
	}
	for scope, rule := range rules {
		if rule.Window <= 0 || rule.Max <= 0 {
			continue
		}
		l.rules[scope] = rule
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the policy configured for scope.
func (l *Limiter) Rule(scope string) (Rule, bool) {
	r, ok := l.rules[scope]
	return r, ok
}

func windowKey(scope, identity string) string {
	return scope + "\x00" + identity
}

// Admit counts one request against (scope, identity) and reports whether it
// is within the limit. The increment and the decision happen under a single
// lock.
func (l *Limiter) Admit(scope, identity string) (Decision, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := windowKey(scope, identity)
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= rule.Window {
		w = &window{start: now, length: rule.Window}
		l.windows[key] = w
	}

	w.count++
	return l.decide(rule, w, now), nil
}

// Exhausted reports whether (scope, identity) has already used its whole
// allowance in the current window. It does not count a request.
func (l *Limiter) Exhausted(scope, identity string) (Decision, bool) {
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{Allowed: true}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[windowKey(scope, identity)]
	if !exists || now.Sub(w.start) >= rule.Window {
		return Decision{
			Allowed:    true,
			Limit:      rule.Max,
			Remaining:  rule.Max,
			ResetAt:    now.Add(rule.Window),
			ResetAfter: rule.Window,
		}, false
	}
	if w.count < rule.Max {
		resetAt := w.start.Add(rule.Window)
		return Decision{
			Allowed:    true,
			Limit:      rule.Max,
			Remaining:  rule.Max - w.count,
			ResetAt:    resetAt,
			ResetAfter: resetAt.Sub(now),
		}, false
	}

	probe := *w
	probe.count++
	return l.decide(rule, &probe, now), true
}

func (l *Limiter) decide(rule Rule, w *window, now time.Time) Decision {
	resetAt := w.start.Add(rule.Window)
	if w.count <= rule.Max {
		return Decision{
			Allowed:    true,
			Limit:      rule.Max,
			Remaining:  rule.Max - w.count,
			ResetAt:    resetAt,
			ResetAfter: resetAt.Sub(now),
		}
	}
	return Decision{
		Allowed:    false,
		Limit:      rule.Max,
		Remaining:  0,
		RetryAfter: resetAt.Sub(now),
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
}

// StartCleanup starts the background eviction goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *Limiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// cleanup drops windows that have fully elapsed.
func (l *Limiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cleaned := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= w.length {
			delete(l.windows, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		l.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(l.windows))
	}
	return cleaned
}

// Stop stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked windows.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
