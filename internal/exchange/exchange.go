package exchange

import (
	"context"

	"github.com/pkg/errors"

	"github.com/milkywaybrain/candlesync/internal/market"
)

// Feed is one exchange data source. Not every exchange implements every
// capability: callers must consult the capability flags before invoking the
// matching stream method. A method invoked without its capability fails
// with ErrNotSupported.
type Feed interface {
	Name() string

	// CandleIntervals maps every natively supported candle interval to its
	// boundary offset from the epoch. Most intervals have offset zero;
	// weekly and monthly candles are anchored elsewhere on some exchanges.
	CandleIntervals() map[int64]int64

	CanStreamHistoricalCandles() bool
	CanStreamCandles() bool
	CanStreamEarliestCandle() bool

	// StreamHistoricalCandles calls fn for every candle of the symbol with
	// time in [start, end), in time order. Returning an error from fn stops
	// the stream and propagates the error unchanged.
	StreamHistoricalCandles(ctx context.Context, symbol string, interval, start, end int64, fn func(market.Candle) error) error

	// ConnectCandleStream opens a live candle subscription. The returned
	// subscription must be closed to release the underlying connection.
	ConnectCandleStream(ctx context.Context, symbol string, interval int64) (CandleSub, error)

	// StreamHistoricalTrades is the trade analog of StreamHistoricalCandles.
	StreamHistoricalTrades(ctx context.Context, symbol string, start, end int64, fn func(market.Trade) error) error

	// ConnectTradeStream opens a live trade subscription.
	ConnectTradeStream(ctx context.Context, symbol string) (TradeSub, error)
}

// CandleSub is a scoped live candle subscription.
type CandleSub interface {
	Recv(ctx context.Context) (market.Candle, error)
	Close() error
}

// TradeSub is a scoped live trade subscription.
type TradeSub interface {
	Recv(ctx context.Context) (market.Trade, error)
	Close() error
}

// ErrNotSupported is returned when a stream method is invoked on a feed
// without the matching capability.
var ErrNotSupported = errors.New("feed capability not supported")

// FeedError marks a transient feed failure: network trouble, an HTTP 5xx or
// a rate limit response. These are the only errors worth retrying.
type FeedError struct {
	Err error
}

func (e *FeedError) Error() string {
	return "transient feed failure: " + e.Err.Error()
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a FeedError. Context cancellation passes through
// unwrapped so it is never mistaken for a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &FeedError{Err: err}
}

// IsTransient reports whether err is a FeedError anywhere in its chain.
func IsTransient(err error) bool {
	var fe *FeedError
	return errors.As(err, &fe)
}
