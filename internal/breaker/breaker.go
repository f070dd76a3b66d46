// Package breaker implements a three-state circuit breaker guarding
// calls to unreliable external dependencies. Each named dependency gets
// its own breaker so one flaky service does not trip guards for
// unrelated calls.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// OpenError is returned when the circuit rejects a call without
// attempting it. RetryAfter is the earliest time a probe may succeed.
type OpenError struct {
	Name       string
	RetryAfter time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open until %s", e.Name, e.RetryAfter.Format(time.RFC3339))
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	LastFailure    time.Time `json:"last_failure"`
	LastSuccess    time.Time `json:"last_success"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	now              func() time.Time

	mu                sync.Mutex
	state             State
	failures          int
	successes         int
	lastFailure       time.Time
	lastSuccess       time.Time
	stateChangedAt    time.Time
	halfOpenSuccesses int
}

type Option func(*Breaker)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) { b.successThreshold = n }
}

func New(name string, failureThreshold int, recoveryTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		successThreshold: 2,
		now:              time.Now,
		state:            Closed,
	}
	for _, o := range opts {
		o(b)
	}
	b.stateChangedAt = b.now()
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, lazily moving Open to HalfOpen once
// the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	return b.state
}

func (b *Breaker) checkRecoveryLocked() {
	if b.state == Open && b.now().Sub(b.stateChangedAt) >= b.recoveryTimeout {
		b.transitionLocked(HalfOpen)
	}
}

func (b *Breaker) transitionLocked(s State) {
	b.state = s
	b.stateChangedAt = b.now()
	if s == HalfOpen {
		b.halfOpenSuccesses = 0
	}
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns an *OpenError carrying the earliest retry-eligible time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	if b.state == Open {
		return &OpenError{Name: b.name, RetryAfter: b.stateChangedAt.Add(b.recoveryTimeout)}
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	b.lastSuccess = b.now()
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.successThreshold {
			b.transitionLocked(Closed)
			b.failures = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case HalfOpen:
		// a single failure during the recovery probe reopens the circuit
		b.transitionLocked(Open)
	case Closed:
		if b.failures >= b.failureThreshold {
			b.transitionLocked(Open)
		}
	}
}

// Do wraps a single call: it fast-fails when the circuit is open and
// otherwise records exactly one success or failure for the execution.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	return Stats{
		Name:           b.name,
		State:          b.state,
		Failures:       b.failures,
		Successes:      b.successes,
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
		StateChangedAt: b.stateChangedAt,
	}
}

// Reset forces the breaker back to a zeroed Closed state. Operator
// escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.halfOpenSuccesses = 0
	b.stateChangedAt = b.now()
}
