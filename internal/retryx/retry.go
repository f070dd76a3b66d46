// Package retryx implements exponential backoff with jitter, exposed as
// both a function-wrapping form (Do) and a manual step-driven form
// (Context) for callers that interleave retry state with other
// per-attempt bookkeeping.
package retryx

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// ExhaustedError is returned once every attempt allowed by a policy has
// failed. It carries the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable reports whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool

	// OnRetry fires before each backoff sleep with the attempt number
	// (1-based) and the error that triggered the retry.
	OnRetry func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Backoff computes the delay before the attempt following attempt
// (1-based): min(base * 2^(attempt-1), max) with up to ±25% jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 { // the shift can overflow
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	if d += jitter; d < 0 {
		d = 0
	}
	return d
}

// Do runs fn up to p.MaxAttempts times, sleeping between attempts.
// Non-retryable errors propagate immediately. The backoff sleep is cut
// short by ctx cancellation, which propagates ctx.Err().
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		last = err
		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, p.BaseDelay, p.MaxDelay)):
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

// Context drives a retry loop step by step:
//
//	rc := retryx.NewContext(ctx, policy)
//	for rc.ShouldContinue() {
//	    if err := op(); err != nil {
//	        rc.Fail(err)
//	        continue
//	    }
//	    rc.Succeed()
//	}
//	return rc.Err()
type Context struct {
	ctx       context.Context
	policy    Policy
	attempt   int
	succeeded bool
	last      error
	err       error
}

func NewContext(ctx context.Context, p Policy) *Context {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Context{ctx: ctx, policy: p}
}

// ShouldContinue reports whether another attempt may run. After
// exhaustion it records an ExhaustedError, readable via Err.
func (c *Context) ShouldContinue() bool {
	if c.succeeded || c.err != nil {
		return false
	}
	if c.attempt >= c.policy.MaxAttempts {
		if c.last != nil {
			c.err = &ExhaustedError{Attempts: c.policy.MaxAttempts, Last: c.last}
		}
		return false
	}
	return true
}

// Fail records a failed attempt and sleeps the backoff delay, unless
// the error is non-retryable or attempts are exhausted.
func (c *Context) Fail(err error) {
	c.last = err
	c.attempt++
	if c.policy.Retryable != nil && !c.policy.Retryable(err) {
		c.err = err
		return
	}
	if c.attempt >= c.policy.MaxAttempts {
		return
	}
	if c.policy.OnRetry != nil {
		c.policy.OnRetry(c.attempt, err)
	}
	select {
	case <-c.ctx.Done():
		c.err = c.ctx.Err()
	case <-time.After(Backoff(c.attempt, c.policy.BaseDelay, c.policy.MaxDelay)):
	}
}

// Succeed records a successful attempt and stops the loop.
func (c *Context) Succeed() {
	c.succeeded = true
	c.attempt++
}

// Err returns the terminal error, nil after success.
func (c *Context) Err() error { return c.err }

// Attempt is the 1-based number of the next (or current) attempt.
func (c *Context) Attempt() int { return c.attempt + 1 }

// Remaining is the number of attempts left.
func (c *Context) Remaining() int {
	if r := c.policy.MaxAttempts - c.attempt; r > 0 {
		return r
	}
	return 0
}
