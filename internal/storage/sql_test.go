package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/market"
)

func newTestStore(t *testing.T) *SQL {
	t.Helper()
	s, err := NewSQL(&config.Storage{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCandle(time int64) market.Candle {
	return market.Candle{
		Time:   time,
		Open:   dec("1.05"),
		High:   dec("2"),
		Low:    dec("0.5"),
		Close:  dec("1.5"),
		Volume: dec("10.1"),
		Closed: true,
	}
}

func TestCommitAndScanCandles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	in := []market.Candle{testCandle(0), testCandle(1), testCandle(3)}
	require.NoError(t, s.CommitCandles(ctx, shard, in, 0, 4))

	var out []market.Candle
	require.NoError(t, s.ScanCandles(ctx, shard, 0, 4, func(c market.Candle) error {
		out = append(out, c)
		return nil
	}))
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].Time, out[i].Time)
		assert.True(t, in[i].Open.Equal(out[i].Open))
		assert.True(t, in[i].Volume.Equal(out[i].Volume))
		assert.True(t, out[i].Closed)
	}

	// Scan range is half-open.
	out = nil
	require.NoError(t, s.ScanCandles(ctx, shard, 1, 3, func(c market.Candle) error {
		out = append(out, c)
		return nil
	}))
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].Time)
}

func TestSpansMergeOnCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	require.NoError(t, s.CommitCandles(ctx, shard, []market.Candle{testCandle(0)}, 0, 2))
	require.NoError(t, s.CommitCandles(ctx, shard, []market.Candle{testCandle(2)}, 2, 4))
	require.NoError(t, s.CommitCandles(ctx, shard, []market.Candle{testCandle(6)}, 6, 8))

	spans, err := s.ScanSpans(ctx, shard, KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 4}, {Start: 6, End: 8}}, spans)

	// Clipped to the queried range.
	spans, err = s.ScanSpans(ctx, shard, KindCandle, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 1, End: 3}}, spans)

	// Bridge the gap; everything folds into one span.
	require.NoError(t, s.CommitCandles(ctx, shard, []market.Candle{testCandle(4)}, 4, 6))
	spans, err = s.ScanSpans(ctx, shard, KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 8}}, spans)
}

func TestEmptyBatchStillRecordsSpan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	require.NoError(t, s.CommitCandles(ctx, shard, nil, 0, 4))
	spans, err := s.ScanSpans(ctx, shard, KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 4}}, spans)
}

func TestCommitRejectsRecordsOutsideSpan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	err := s.CommitCandles(ctx, shard, []market.Candle{testCandle(5)}, 0, 4)
	assert.ErrorIs(t, err, ErrIntegrity)

	err = s.CommitCandles(ctx, shard, []market.Candle{testCandle(1)}, 2, 4)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestCommitRejectsDuplicateCandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	require.NoError(t, s.CommitCandles(ctx, shard, []market.Candle{testCandle(0)}, 0, 1))
	err := s.CommitCandles(ctx, shard, []market.Candle{testCandle(0)}, 0, 1)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestShardsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := market.CandleShard("binance", "eth-btc", 1)
	b := market.CandleShard("binance", "eth-btc", 2)

	require.NoError(t, s.CommitCandles(ctx, a, []market.Candle{testCandle(0)}, 0, 2))

	spans, err := s.ScanSpans(ctx, b, KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, spans)

	var out []market.Candle
	require.NoError(t, s.ScanCandles(ctx, b, 0, 10, func(c market.Candle) error {
		out = append(out, c)
		return nil
	}))
	assert.Empty(t, out)
}

func TestCommitAndScanTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.TradeShard("binance", "eth-btc")

	// Two trades share a timestamp; scan must keep their commit order.
	in := []market.Trade{
		{ID: 1, Time: 0, Price: dec("1"), Size: dec("2")},
		{ID: 2, Time: 5, Price: dec("2"), Size: dec("1")},
		{ID: 3, Time: 5, Price: dec("3"), Size: dec("0.5")},
	}
	require.NoError(t, s.CommitTrades(ctx, shard, in, 0, 6))

	var out []market.Trade
	require.NoError(t, s.ScanTrades(ctx, shard, 0, 6, func(tr market.Trade) error {
		out = append(out, tr)
		return nil
	}))
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].Time, out[i].Time)
		assert.True(t, in[i].Price.Equal(out[i].Price))
		assert.True(t, in[i].Size.Equal(out[i].Size))
	}

	spans, err := s.ScanSpans(ctx, shard, KindTrade, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 6}}, spans)
}

func TestCandleAndTradeSpansAreSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := "binance_eth-btc"

	require.NoError(t, s.CommitTrades(ctx, shard, nil, 0, 6))
	spans, err := s.ScanSpans(ctx, shard, KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestGetSetCandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shard := market.CandleShard("binance", "eth-btc", 1)

	_, ok, err := s.GetCandle(ctx, shard, "first_candle")
	require.NoError(t, err)
	assert.False(t, ok)

	want := testCandle(42)
	require.NoError(t, s.SetCandle(ctx, shard, "first_candle", want))

	got, ok, err := s.GetCandle(ctx, shard, "first_candle")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Time, got.Time)
	assert.True(t, want.Close.Equal(got.Close))

	// Overwrite is allowed for memoized candles.
	require.NoError(t, s.SetCandle(ctx, shard, "first_candle", testCandle(43)))
	got, ok, err = s.GetCandle(ctx, shard, "first_candle")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(43), got.Time)
}
