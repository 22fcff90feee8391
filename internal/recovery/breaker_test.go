package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
)

func breakerUnderTest(t *testing.T) *Breaker {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	b := NewBreaker(cfg.Recovery)
	b.jitter = func() float64 { return 0 } // deterministic backoff in tests
	return b
}

func TestAllow_FreshDomainIsClosed(t *testing.T) {
	b := breakerUnderTest(t)

	st := b.Allow("broker", time.Now())
	assert.True(t, st.Allowed)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.Failures)
}

func TestRecordFailure_ExponentialBackoff(t *testing.T) {
	b := breakerUnderTest(t)
	now := time.Now()

	first := b.RecordFailure("broker", now)
	assert.Equal(t, StateBackoff, first.State)
	assert.Equal(t, 4*time.Second, first.RetryAfter) // 2s * 2^1

	second := b.RecordFailure("broker", now)
	assert.Equal(t, 8*time.Second, second.RetryAfter) // 2s * 2^2

	// Inside the backoff window attempts are refused; past it they run.
	assert.False(t, b.Allow("broker", now.Add(5*time.Second)).Allowed)
	assert.True(t, b.Allow("broker", now.Add(9*time.Second)).Allowed)
}

func TestRecordFailure_BackoffCapped(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Recovery.MaxAttempts = 100
	b := NewBreaker(cfg.Recovery)
	b.jitter = func() float64 { return 0 }

	now := time.Now()
	var last Status
	for i := 0; i < 12; i++ {
		last = b.RecordFailure("feed", now)
	}
	assert.Equal(t, 5*time.Minute, last.RetryAfter, "backoff clamps at the cap")
}

func TestRecordFailure_JitterBounded(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	b := NewBreaker(cfg.Recovery)
	b.jitter = func() float64 { return 1.0 } // worst-case jitter

	st := b.RecordFailure("feed", time.Now())
	// 4s base with full 30% jitter.
	assert.Equal(t, time.Duration(float64(4*time.Second)*1.3), st.RetryAfter)
}

func TestCircuit_OpensAtMaxAttemptsAndRefusesSixth(t *testing.T) {
	b := breakerUnderTest(t)
	now := time.Now()

	var st Status
	for i := 0; i < 5; i++ {
		st = b.RecordFailure("broker", now)
	}
	assert.Equal(t, StateOpen, st.State)

	// The 6th consecutive attempt is refused with circuit open.
	sixth := b.Allow("broker", now.Add(time.Second))
	assert.False(t, sixth.Allowed)
	assert.Equal(t, StateOpen, sixth.State)

	// Still open just before the duration elapses.
	assert.False(t, b.Allow("broker", now.Add(10*time.Minute-time.Second)).Allowed)

	// After the fixed duration the circuit returns to Closed, counters reset.
	after := b.Allow("broker", now.Add(10*time.Minute+time.Second))
	assert.True(t, after.Allowed)
	assert.Equal(t, StateClosed, after.State)
	assert.Equal(t, 0, after.Failures)
}

func TestRecordSuccess_ResetsFailuresWithoutClosingOpenCircuit(t *testing.T) {
	b := breakerUnderTest(t)
	now := time.Now()

	b.RecordFailure("broker", now)
	b.RecordFailure("broker", now)
	b.RecordSuccess("broker", now)

	st := b.Allow("broker", now.Add(time.Millisecond))
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Failures, "success resets the failure count")

	// Open the circuit, then record a success: the open duration stands.
	for i := 0; i < 5; i++ {
		b.RecordFailure("broker", now)
	}
	b.RecordSuccess("broker", now)
	still := b.Allow("broker", now.Add(time.Minute))
	assert.False(t, still.Allowed, "success must not prematurely close an open circuit")
	assert.Equal(t, StateOpen, still.State)
}

func TestOnTransition_FiresOnOpenAndClose(t *testing.T) {
	b := breakerUnderTest(t)
	now := time.Now()

	type transition struct {
		key   string
		state CircuitState
	}
	var seen []transition
	b.OnTransition(func(key string, state CircuitState) {
		seen = append(seen, transition{key, state})
	})

	// Backoff scheduling is not a transition; only the open fires.
	for i := 0; i < 5; i++ {
		b.RecordFailure("broker", now)
	}
	require.Len(t, seen, 1)
	assert.Equal(t, transition{"broker", StateOpen}, seen[0])

	// Serving out the open duration closes the circuit and fires again.
	b.Allow("broker", now.Add(10*time.Minute+time.Second))
	require.Len(t, seen, 2)
	assert.Equal(t, transition{"broker", StateClosed}, seen[1])
}

func TestDomains_Independent(t *testing.T) {
	b := breakerUnderTest(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		b.RecordFailure("broker", now)
	}
	assert.False(t, b.Allow("broker", now.Add(time.Second)).Allowed)
	assert.True(t, b.Allow("market_data", now.Add(time.Second)).Allowed,
		"fault domains are isolated")

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap["broker"].State)
	assert.Equal(t, StateClosed, snap["market_data"].State)
}
