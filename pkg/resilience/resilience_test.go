package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errNotFound = errors.New("not found")

func isNotFound(err error) bool { return errors.Is(err, errNotFound) }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("agg-open", Config{MaxFailures: 2, Cooldown: time.Minute})
	boom := errors.New("connection refused")
	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	assert.ErrorIs(t, b.Do(context.Background(), fail, nil), boom)
	assert.ErrorIs(t, b.Do(context.Background(), fail, nil), boom)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	assert.ErrorIs(t, b.Do(context.Background(), fail, nil), ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("agg-ignore", Config{MaxFailures: 1, Cooldown: time.Minute})
	err := b.Do(context.Background(), func(context.Context) error { return errNotFound }, isNotFound)

	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker("agg-cooldown", Config{MaxFailures: 1, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("status 503") }, nil)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }, nil))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker("agg-cancel", Config{MaxFailures: 1, Cooldown: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() }, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "server", classifyError(errors.New("aggregator returned status 502")))
	assert.Equal(t, "none", classifyError(nil))
}
