package series

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/storage"
)

func tradeAt(id, time int64, price, size string) market.Trade {
	return market.Trade{
		ID:    id,
		Time:  time,
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func TestConstructCandlesFromTrades(t *testing.T) {
	clock := &fakeClock{now: 5}
	feed := newFakeFeed(clock)
	// No candle endpoint at all; candles must come from trades.
	feed.canHist = false
	feed.canLive = false
	feed.histTrades = []market.Trade{
		tradeAt(1, 0, "1", "1"),
		tradeAt(2, 1, "4", "1"),
		tradeAt(3, 3, "2", "2"),
	}
	candles, store := newCandlesService(t, clock, feed)

	got, err := candles.List(context.Background(), CandleRequest{
		Exchange: "fake", Symbol: "eth-btc", Interval: 5, Start: 0, End: 5, Closed: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	bar := got[0]
	assert.Equal(t, int64(0), bar.Time)
	assert.True(t, bar.Open.Equal(decimal.RequireFromString("1")))
	assert.True(t, bar.High.Equal(decimal.RequireFromString("4")))
	assert.True(t, bar.Low.Equal(decimal.RequireFromString("1")))
	assert.True(t, bar.Close.Equal(decimal.RequireFromString("2")))
	assert.True(t, bar.Volume.Equal(decimal.RequireFromString("4")))
	assert.True(t, bar.Closed)

	// Both the constructed candle and the trades behind it are persisted.
	candleSpans, err := store.ScanSpans(context.Background(),
		market.CandleShard("fake", "eth-btc", 5), storage.KindCandle, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 5}}, candleSpans)
	tradeSpans, err := store.ScanSpans(context.Background(),
		market.TradeShard("fake", "eth-btc"), storage.KindTrade, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 5}}, tradeSpans)

	// Replay comes from storage.
	calls := feed.tradeCalls
	got, err = candles.List(context.Background(), CandleRequest{
		Exchange: "fake", Symbol: "eth-btc", Interval: 5, Start: 0, End: 5, Closed: true,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, calls, feed.tradeCalls)
}

func TestConstructCandlesBucketGaps(t *testing.T) {
	clock := &fakeClock{now: 20}
	feed := newFakeFeed(clock)
	feed.canHist = false
	feed.canLive = false
	// Trades in the first and the fourth bucket only.
	feed.histTrades = []market.Trade{
		tradeAt(1, 0, "1", "1"),
		tradeAt(2, 16, "2", "1"),
	}
	candles, _ := newCandlesService(t, clock, feed)

	got, err := candles.List(context.Background(), CandleRequest{
		Exchange: "fake", Symbol: "eth-btc", Interval: 5, Start: 0, End: 20, Closed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 15}, candleTimes(got))
}

func TestConstructCandlesRequiresTradesService(t *testing.T) {
	clock := &fakeClock{now: 5}
	feed := newFakeFeed(clock)
	feed.canHist = false
	feed.canLive = false
	store := newTestStore(t)
	candles := NewCandles(store, []exchange.Feed{feed}, nil, Options{Clock: clock.get})

	_, err := candles.List(context.Background(), CandleRequest{
		Exchange: "fake", Symbol: "eth-btc", Interval: 5, Start: 0, End: 5, Closed: true,
	})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStreamByVolume(t *testing.T) {
	clock := &fakeClock{now: 10}
	feed := newFakeFeed(clock)
	feed.histTrades = []market.Trade{
		tradeAt(1, 0, "1", "1"),
		tradeAt(2, 1, "2", "1"),
		tradeAt(3, 2, "3", "5"),
	}
	candles, _ := newCandlesService(t, clock, feed)

	st := candles.StreamByVolume(context.Background(), "fake", "eth-btc",
		decimal.RequireFromString("2"), 0, 3)
	var got []market.Candle
	for c := range st.C {
		got = append(got, c)
	}
	require.NoError(t, st.Err())
	require.Len(t, got, 3)

	assert.Equal(t, int64(0), got[0].Time)
	assert.True(t, got[0].Open.Equal(decimal.RequireFromString("1")))
	assert.True(t, got[0].High.Equal(decimal.RequireFromString("2")))
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("2")))
	assert.True(t, got[0].Volume.Equal(decimal.RequireFromString("2")))

	// The oversized trade closes two bars, remainder below the threshold
	// is dropped at stream end.
	assert.Equal(t, int64(1), got[1].Time)
	assert.True(t, got[1].Volume.Equal(decimal.RequireFromString("2")))
	assert.Equal(t, int64(2), got[2].Time)
	assert.True(t, got[2].Open.Equal(decimal.RequireFromString("3")))
	assert.True(t, got[2].Volume.Equal(decimal.RequireFromString("2")))
}
