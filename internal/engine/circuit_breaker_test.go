package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentpipe/pkg/schema"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	})
	cbr.now = clock.Now
	return cbr, clock
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("registry.local/summarizer:1"))
	assert.Equal(t, CircuitClosed, cbr.GetState("registry.local/summarizer:1"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreaker(3, 10*time.Second)

	cbr.RecordFailure("img")
	cbr.RecordFailure("img")
	assert.Equal(t, CircuitClosed, cbr.GetState("img"))

	cbr.RecordFailure("img")
	assert.Equal(t, CircuitOpen, cbr.GetState("img"))

	err := cbr.AllowRequest("img")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.False(t, schema.AsError(err, "").IsRetryable())
}

func TestCircuitBreaker_KeysAreIndependent(t *testing.T) {
	cbr, _ := newTestBreaker(1, time.Minute)

	cbr.RecordFailure("broken")
	assert.Error(t, cbr.AllowRequest("broken"))
	assert.NoError(t, cbr.AllowRequest("healthy"))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreaker(3, 10*time.Second)

	cbr.RecordFailure("img")
	cbr.RecordFailure("img")
	cbr.RecordSuccess("img")
	cbr.RecordFailure("img")
	cbr.RecordFailure("img")
	assert.Equal(t, CircuitClosed, cbr.GetState("img"))

	cbr.RecordFailure("img")
	assert.Equal(t, CircuitOpen, cbr.GetState("img"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cbr, clock := newTestBreaker(2, time.Minute)

	cbr.RecordFailure("img")
	cbr.RecordFailure("img")
	require.Error(t, cbr.AllowRequest("img"))

	clock.Advance(time.Minute)
	require.NoError(t, cbr.AllowRequest("img"), "first request after cooldown is the test request")
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("img"))

	err := cbr.AllowRequest("img")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen), "only one test request while half-open")
}

func TestCircuitBreaker_HalfOpenOutcome(t *testing.T) {
	cbr, clock := newTestBreaker(1, time.Second)

	cbr.RecordFailure("img")
	clock.Advance(time.Second)
	require.NoError(t, cbr.AllowRequest("img"))
	cbr.RecordFailure("img")
	assert.Equal(t, CircuitOpen, cbr.GetState("img"), "failed test request reopens")

	clock.Advance(time.Second)
	require.NoError(t, cbr.AllowRequest("img"))
	cbr.RecordSuccess("img")
	assert.Equal(t, CircuitClosed, cbr.GetState("img"))
	assert.NoError(t, cbr.AllowRequest("img"))
}

func TestCircuitBreaker_HalfOpenRelease(t *testing.T) {
	cbr, clock := newTestBreaker(1, time.Second)

	cbr.RecordFailure("img")
	clock.Advance(time.Second)
	require.NoError(t, cbr.AllowRequest("img"))
	cbr.RecordRelease("img")
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("img"))

	require.NoError(t, cbr.AllowRequest("img"), "a released slot admits the next request")
	err := cbr.AllowRequest("img")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	cbr.RecordSuccess("img")
	cbr.RecordRelease("img")
	assert.Equal(t, CircuitClosed, cbr.GetState("img"))
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cbr, clock := newTestBreaker(2, time.Second)

	type transition struct {
		key      string
		from, to CircuitState
	}
	var seen []transition
	cbr.OnStateChange(func(key string, from, to CircuitState) {
		seen = append(seen, transition{key, from, to})
	})

	cbr.RecordFailure("img")
	cbr.RecordFailure("img")
	clock.Advance(time.Second)
	require.NoError(t, cbr.AllowRequest("img"))
	cbr.RecordSuccess("img")
	cbr.RecordSuccess("img")

	assert.Equal(t, []transition{
		{"img", CircuitClosed, CircuitOpen},
		{"img", CircuitOpen, CircuitHalfOpen},
		{"img", CircuitHalfOpen, CircuitClosed},
	}, seen)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cbr, _ := newTestBreaker(4, time.Second)
	cbr.RecordFailure("img")

	stats := cbr.GetStats("img")
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, 4, stats["failure_threshold"])
}

func TestCircuitBreaker_ConfigDefaults(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, cbr.config.FailureThreshold)
	assert.Equal(t, 1, cbr.config.HalfOpenMax)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
