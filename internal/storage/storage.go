package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/milkywaybrain/candlesync/internal/market"
)

// Kind identifies which time series a span belongs to within a shard.
type Kind string

const (
	KindCandle Kind = "candle"
	KindTrade  Kind = "trade"
)

// ErrIntegrity marks fatal time series consistency violations: committing a
// batch whose span does not cover its records, or inserting a record that
// already exists. These are never retried.
var ErrIntegrity = errors.New("time series integrity violation")

// Store is the local time series store. Records are ordered by time and
// unique per (shard, time) for candles. Spans record which half-open ranges
// are known-complete; they are only ever written together with the records
// they cover.
//
// Concurrent writers to the same shard are not supported and must be
// serialized by the caller. Different shards are independent.
type Store interface {
	// ScanSpans returns spans intersecting [start, end) for the shard and
	// kind, clipped to the range, merged and ordered by start.
	ScanSpans(ctx context.Context, shard string, kind Kind, start, end int64) ([]market.Span, error)

	// ScanCandles calls fn for every stored candle of the shard with
	// time in [start, end), in time order.
	ScanCandles(ctx context.Context, shard string, start, end int64, fn func(market.Candle) error) error

	// ScanTrades calls fn for every stored trade of the shard with time in
	// [start, end), in time then insertion order.
	ScanTrades(ctx context.Context, shard string, start, end int64, fn func(market.Trade) error) error

	// CommitCandles stores a batch and records the span it covers in one
	// transaction. The batch may be empty; the span is still recorded.
	// Fails with ErrIntegrity if start is after the first record, end does
	// not exceed the last record, or a record already exists.
	CommitCandles(ctx context.Context, shard string, candles []market.Candle, start, end int64) error

	// CommitTrades is the trade analog of CommitCandles.
	CommitTrades(ctx context.Context, shard string, trades []market.Trade, start, end int64) error

	// GetCandle reads a memoized candle, such as a first-candle search
	// result, by key. The second return tells whether it was present.
	GetCandle(ctx context.Context, shard, key string) (market.Candle, bool, error)

	// SetCandle memoizes a candle by key.
	SetCandle(ctx context.Context, shard, key string, candle market.Candle) error

	// Close releases the underlying connections.
	Close() error
}
