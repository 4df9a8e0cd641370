// Package backoff provides the waits applied between retry attempts.
//
// Like retry policies, a back-off Policy is immutable configuration. Start
// returns a Session owning the per-session interval state.
package backoff

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Defaults for Exponential.
const (
	DefaultInitial    = 100 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultMax        = 30 * time.Second
)

// Policy produces independent back-off sessions.
type Policy interface {
	Start() Session
}

// Session blocks between attempts of one retry session.
type Session interface {
	// BackOff waits for the current interval and advances the session. It
	// returns ctx.Err() if ctx ends first.
	BackOff(ctx context.Context) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option configures a back-off policy.
type Option func(*options)

type options struct {
	sleep Sleeper
}

// WithSleeper replaces the function used to wait.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		o.sleep = s
	}
}

func buildOptions(opts []Option) options {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// -----------------------------------------------------------------------------
// None
// -----------------------------------------------------------------------------

type none struct{}

// None never waits.
func None() Policy { return none{} }

func (none) Start() Session                { return none{} }
func (none) BackOff(context.Context) error { return nil }
func (none) String() string                { return "none" }

// -----------------------------------------------------------------------------
// Fixed
// -----------------------------------------------------------------------------

type fixed struct {
	interval time.Duration
	sleep    Sleeper
}

// Fixed always waits interval.
func Fixed(interval time.Duration, opts ...Option) Policy {
	o := buildOptions(opts)
	return &fixed{interval: interval, sleep: o.sleep}
}

func (p *fixed) Start() Session { return p }

func (p *fixed) BackOff(ctx context.Context) error {
	return p.sleep(ctx, p.interval)
}

func (p *fixed) String() string {
	return fmt.Sprintf("fixed[%s]", p.interval)
}

// -----------------------------------------------------------------------------
// Exponential
// -----------------------------------------------------------------------------

type exponential struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	sleep      Sleeper
}

// Exponential waits initial, then multiplies the interval by multiplier after
// every wait until it exceeds max; from then on every wait is max.
// initial and max are clamped to at least 1ms, multiplier to at least 1.
func Exponential(initial time.Duration, multiplier float64, maxInterval time.Duration, opts ...Option) Policy {
	o := buildOptions(opts)
	return &exponential{
		initial:    max(initial, time.Millisecond),
		multiplier: math.Max(multiplier, 1.0),
		max:        max(maxInterval, time.Millisecond),
		sleep:      o.sleep,
	}
}

// Default returns Exponential(100ms, 2, 30s).
func Default(opts ...Option) Policy {
	return Exponential(DefaultInitial, DefaultMultiplier, DefaultMax, opts...)
}

func (p *exponential) Start() Session {
	return &exponentialSession{policy: p, current: p.initial}
}

func (p *exponential) String() string {
	return fmt.Sprintf("exponential[initial=%s, multiplier=%g, max=%s]", p.initial, p.multiplier, p.max)
}

type exponentialSession struct {
	policy *exponential

	mu      sync.Mutex
	current time.Duration
}

func (s *exponentialSession) BackOff(ctx context.Context) error {
	return s.policy.sleep(ctx, s.next())
}

// next returns the wait for this call and advances the interval.
func (s *exponentialSession) next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current > s.policy.max {
		return s.policy.max
	}

	d := s.current
	grown := float64(s.current) * s.policy.multiplier
	if grown >= math.MaxInt64 {
		s.current = math.MaxInt64
	} else {
		s.current = time.Duration(grown)
	}
	return d
}
