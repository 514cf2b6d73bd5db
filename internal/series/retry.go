package series

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const (
	defaultRetryAttempts = 8
	defaultRetryResetMS  = 300_000
	maxBackoff           = time.Minute
)

// retryPolicy reruns a fetch-and-persist unit on transient feed failures:
// bounded attempts with no wait before the first retry and exponential
// backoff after that. If the gap since the previous attempt exceeds the
// reset window, the attempt counter starts over, so sporadic failures on a
// long-running stream do not eat the retry budget reserved for bursts.
type retryPolicy struct {
	attempts int
	resetMS  int64
	clock    timeutil.Clock
}

func newRetryPolicy(attempts, resetSec int, clock timeutil.Clock) retryPolicy {
	p := retryPolicy{
		attempts: attempts,
		resetMS:  int64(resetSec) * timeutil.SecMS,
		clock:    clock,
	}
	if p.attempts <= 0 {
		p.attempts = defaultRetryAttempts
	}
	if p.resetMS <= 0 {
		p.resetMS = defaultRetryResetMS
	}
	return p
}

// do runs fn until it succeeds, fails the attempt budget, or fails with
// anything other than a transient feed error.
func (p retryPolicy) do(ctx context.Context, stream string, fn func(context.Context) error) error {
	var (
		attempt       int
		lastAttemptAt int64
	)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !exchange.IsTransient(err) {
			return err
		}
		now := p.clock()
		if lastAttemptAt > 0 && now-lastAttemptAt >= p.resetMS {
			attempt = 0
		}
		lastAttemptAt = now
		attempt++
		if attempt >= p.attempts {
			return errors.Wrapf(err, "feed still failing after %v attempts", attempt)
		}
		wait := backoffDelay(attempt)
		log.Warn().Err(err).Str("stream", stream).Int("attempt", attempt).Dur("backoff", wait).
			Msg("transient feed failure, retrying")
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}

func backoffDelay(retry int) time.Duration {
	if retry <= 1 {
		return 0
	}
	d := time.Second << uint(retry-2)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
