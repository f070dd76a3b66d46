package breaker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New("extractor", threshold, recovery, WithClock(clk.now)), clk
}

func TestOpensOnExactlyThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State(), "4 failures must not open the circuit")
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State(), "5th failure must open the circuit")
}

func TestOpenRejectsWithRetryAfter(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure()

	err := b.Allow()
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "extractor", oe.Name)
	assert.Equal(t, clk.t.Add(time.Minute), oe.RetryAfter)
}

func TestHalfOpenOnlyAfterRecoveryTimeout(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure()

	clk.advance(59 * time.Second)
	assert.Equal(t, Open, b.State())
	assert.Error(t, b.Allow())

	clk.advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clk.advance(time.Minute)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State(), "one success is not enough")
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Stats().Failures, "closing resets the failure count")
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clk.advance(time.Minute)
	require.Equal(t, HalfOpen, b.State())

	before := clk.t
	clk.advance(10 * time.Second)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	// recovery window restarts from the reopen
	var oe *OpenError
	require.ErrorAs(t, b.Allow(), &oe)
	assert.Equal(t, before.Add(10*time.Second+time.Minute), oe.RetryAfter)
}

func TestDoRecordsExactlyOnce(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, 1, b.Stats().Successes)

	boom := errors.New("boom")
	assert.Equal(t, boom, b.Do(func() error { return boom }))
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestDoFastFailsWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()

	calls := 0
	err := b.Do(func() error { calls++; return nil })
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Zero(t, calls, "open circuit must not attempt the call")
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	stats := b.Stats()
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Successes)
	assert.NoError(t, b.Allow())
}

func TestRegistryOneBreakerPerName(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("extractor", 5, time.Minute)
	b := reg.Get("extractor", 99, time.Hour)
	c := reg.Get("smartsheets", 5, time.Minute)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, reg.StatsAll(), 2)
}
