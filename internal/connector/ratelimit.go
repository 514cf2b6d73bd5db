package connector

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter queues REST API calls toward one exchange. It is shared
// process-wide per exchange, so concurrent streams for different markets of
// the same exchange still respect the exchange request budget. Acquisitions
// block in order instead of being rejected.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter creates a limiter allowing perSec requests per second with the
// given burst. A non-positive perSec disables limiting.
func NewLimiter(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Wait blocks until the next request slot is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}
