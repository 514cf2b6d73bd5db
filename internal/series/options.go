package series

import (
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const (
	defaultBatchSize = 1000

	// 2011-01-01, before any of the supported exchanges traded.
	defaultEarliestExchangeStart = 1293840000000
)

// Options tunes a candle or trade service. The zero value is usable.
type Options struct {
	// Clock reports the current time in millisecond timestamps. Defaults
	// to the wall clock.
	Clock timeutil.Clock

	// BatchSize is the number of records persisted per storage commit.
	BatchSize int

	// RetryAttempts bounds feed retries per fetch unit; RetryResetSec is
	// the idle gap after which the attempt counter starts over.
	RetryAttempts int
	RetryResetSec int

	// EarliestExchangeStart is the lower bound for the first-candle
	// binary search.
	EarliestExchangeStart int64
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timeutil.Now
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.EarliestExchangeStart <= 0 {
		o.EarliestExchangeStart = defaultEarliestExchangeStart
	}
	return o
}
