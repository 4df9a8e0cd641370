// Package policy decides whether a failed operation may be attempted again.
//
// A Policy is immutable configuration and may be shared freely. Every retry
// session calls Start to obtain a Session that owns the mutable state
// (attempt counters, deadlines), so concurrent sessions never interfere.
package policy

import (
	"fmt"
	"time"

	"github.com/vietddude/retrier/internal/retry/classifier"
)

// DefaultMaxAttempts is the attempt limit used by Default.
const DefaultMaxAttempts = 3

// Policy produces independent retry sessions.
type Policy interface {
	Start() Session
}

// Session holds the state of one retry session.
type Session interface {
	// CanRetry reports whether another attempt is allowed. lastErr is nil
	// before the first attempt.
	CanRetry(lastErr error) bool

	// RegisterRetry records a failed attempt that CanRetry allowed to be
	// retried. CanRetry is consulted again afterwards, before any wait, so
	// RegisterRetry is also called for the attempt that ends the session:
	// MaxAttempts(3) sees three calls to RegisterRetry when every attempt
	// fails. It is not called once CanRetry has refused a failure.
	RegisterRetry(lastErr error)
}

// Default returns MaxAttempts(3) gated by a classifier that retries every
// failure not explicitly excluded.
func Default() Policy {
	return Classified(MaxAttempts(DefaultMaxAttempts), classifier.New(true))
}

// -----------------------------------------------------------------------------
// Always / Never
// -----------------------------------------------------------------------------

type constant bool

func (c constant) Start() Session      { return c }
func (c constant) CanRetry(error) bool { return bool(c) }
func (c constant) RegisterRetry(error) {}
func (c constant) String() string      { return fmt.Sprintf("constant[%t]", bool(c)) }

// Always allows unlimited attempts.
func Always() Policy { return constant(true) }

// Never denies every retry. The first attempt of a session is always made.
func Never() Policy { return constant(false) }

// -----------------------------------------------------------------------------
// MaxAttempts
// -----------------------------------------------------------------------------

type countLimited struct {
	max int
}

// MaxAttempts allows attempts while fewer than n retries were registered.
func MaxAttempts(n int) Policy {
	return countLimited{max: n}
}

func (p countLimited) Start() Session {
	return &countSession{max: p.max}
}

func (p countLimited) String() string {
	return fmt.Sprintf("maxAttempts[%d]", p.max)
}

type countSession struct {
	max      int
	attempts int
}

func (s *countSession) CanRetry(error) bool {
	return s.attempts < s.max
}

func (s *countSession) RegisterRetry(error) {
	s.attempts++
}

// -----------------------------------------------------------------------------
// Timeout
// -----------------------------------------------------------------------------

type timeLimited struct {
	timeout time.Duration
	now     func() time.Time
}

// TimeoutOption configures a Timeout policy.
type TimeoutOption func(*timeLimited)

// WithClock sets the clock used to compute and check the deadline.
func WithClock(now func() time.Time) TimeoutOption {
	return func(p *timeLimited) {
		p.now = now
	}
}

// Timeout allows attempts until d has elapsed since the session started.
func Timeout(d time.Duration, opts ...TimeoutOption) Policy {
	p := &timeLimited{timeout: d, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *timeLimited) Start() Session {
	return &timeSession{deadline: p.now().Add(p.timeout), now: p.now}
}

func (p *timeLimited) String() string {
	return fmt.Sprintf("timeout[%s]", p.timeout)
}

type timeSession struct {
	deadline time.Time
	now      func() time.Time
}

func (s *timeSession) CanRetry(error) bool {
	return s.now().Before(s.deadline)
}

func (s *timeSession) RegisterRetry(error) {}

// -----------------------------------------------------------------------------
// Classified
// -----------------------------------------------------------------------------

// Classifier is the subset of *classifier.Classifier used by Classified.
type Classifier interface {
	Classify(err error) bool
}

type classified struct {
	inner      Policy
	classifier Classifier
}

// Classified gates inner with a classifier: a failure must be classified as
// retryable and inner must still allow another attempt. A nil failure (the
// first attempt) always passes classification.
func Classified(inner Policy, c Classifier) Policy {
	return classified{inner: inner, classifier: c}
}

func (p classified) Start() Session {
	return classifiedSession{inner: p.inner.Start(), classifier: p.classifier}
}

func (p classified) String() string {
	return fmt.Sprintf("classified[%v]", p.inner)
}

type classifiedSession struct {
	inner      Session
	classifier Classifier
}

func (s classifiedSession) CanRetry(lastErr error) bool {
	return (lastErr == nil || s.classifier.Classify(lastErr)) && s.inner.CanRetry(lastErr)
}

func (s classifiedSession) RegisterRetry(lastErr error) {
	s.inner.RegisterRetry(lastErr)
}
