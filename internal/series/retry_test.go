package series

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/exchange"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) get() int64 {
	return c.now
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	clock := &fakeClock{}
	p := newRetryPolicy(8, 300, clock.get)
	calls := 0
	err := p.do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 2 {
			return exchange.Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGivesUpAfterAttemptBudget(t *testing.T) {
	clock := &fakeClock{}
	p := newRetryPolicy(2, 300, clock.get)
	calls := 0
	cause := exchange.Transient(errors.New("connection reset"))
	err := p.do(context.Background(), "test", func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, calls)
}

func TestRetryDoesNotRetryFatalErrors(t *testing.T) {
	clock := &fakeClock{}
	p := newRetryPolicy(8, 300, clock.get)
	calls := 0
	cause := errors.New("bad request")
	err := p.do(context.Background(), "test", func(context.Context) error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestRetryDoesNotRetryCancellation(t *testing.T) {
	clock := &fakeClock{}
	p := newRetryPolicy(8, 300, clock.get)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		// A cancelled websocket read often surfaces as a transient error;
		// the context state must win.
		return exchange.Transient(context.Canceled)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryResetsCounterAfterIdleGap(t *testing.T) {
	clock := &fakeClock{}
	p := newRetryPolicy(2, 300, clock.get)
	// Each failure happens after more than the reset window of healthy
	// streaming, so the budget of 2 attempts is never exhausted.
	calls := 0
	err := p.do(context.Background(), "test", func(context.Context) error {
		calls++
		clock.now += 301_000
		if calls < 5 {
			return exchange.Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(1))
	assert.Equal(t, time.Second, backoffDelay(2))
	assert.Equal(t, 2*time.Second, backoffDelay(3))
	assert.Equal(t, 4*time.Second, backoffDelay(4))
	assert.Equal(t, time.Minute, backoffDelay(60))
}
