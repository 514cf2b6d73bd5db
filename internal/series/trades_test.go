package series

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/storage"
)

func tradeIDs(trades []market.Trade) []int64 {
	ids := make([]int64, 0, len(trades))
	for _, tr := range trades {
		ids = append(ids, tr.ID)
	}
	return ids
}

func TestStreamHistoricalTradesAndResume(t *testing.T) {
	clock := &fakeClock{now: 10}
	feed := newFakeFeed(clock)
	feed.histTrades = []market.Trade{
		tradeAt(1, 0, "1", "1"),
		tradeAt(2, 1, "2", "1"),
		tradeAt(3, 2, "3", "1"),
	}
	store := newTestStore(t)
	trades := NewTrades(store, []exchange.Feed{feed}, Options{Clock: clock.get})

	got, err := trades.List(context.Background(), "fake", "eth-btc", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, tradeIDs(got))
	assert.Equal(t, 1, feed.tradeCalls)

	spans, err := store.ScanSpans(context.Background(),
		market.TradeShard("fake", "eth-btc"), storage.KindTrade, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 4}}, spans)

	got, err = trades.List(context.Background(), "fake", "eth-btc", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, tradeIDs(got))
	assert.Equal(t, 1, feed.tradeCalls)
}

func TestTradesHistoricalAndLiveMerge(t *testing.T) {
	clock := &fakeClock{now: 5}
	feed := newFakeFeed(clock)
	feed.histTrades = []market.Trade{
		tradeAt(1, 3, "1", "1"),
		tradeAt(2, 4, "2", "1"),
	}
	// The live feed replays an already seen trade before moving on; the
	// final trade only marks the range end.
	feed.liveTrades = []market.Trade{
		tradeAt(2, 4, "2", "1"),
		tradeAt(3, 5, "3", "1"),
		tradeAt(4, 6, "4", "1"),
		tradeAt(5, 10, "5", "1"),
	}
	store := newTestStore(t)
	trades := NewTrades(store, []exchange.Feed{feed}, Options{Clock: clock.get})

	got, err := trades.List(context.Background(), "fake", "eth-btc", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, tradeIDs(got))
	assert.Equal(t, 1, feed.liveConnects)

	spans, err := store.ScanSpans(context.Background(),
		market.TradeShard("fake", "eth-btc"), storage.KindTrade, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 10}}, spans)
}

func TestTradeBatchHoldsBackSameTimestampRun(t *testing.T) {
	clock := &fakeClock{now: 10}
	feed := newFakeFeed(clock)
	feed.histTrades = []market.Trade{
		tradeAt(1, 0, "1", "1"),
		tradeAt(2, 1, "2", "1"),
		tradeAt(3, 1, "3", "1"),
		tradeAt(4, 2, "4", "1"),
	}
	store := newTestStore(t)
	trades := NewTrades(store, []exchange.Feed{feed}, Options{Clock: clock.get, BatchSize: 2})

	got, err := trades.List(context.Background(), "fake", "eth-btc", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, tradeIDs(got))

	// Batched commits never split the same-timestamp run at 1; everything
	// folds into one span.
	shard := market.TradeShard("fake", "eth-btc")
	spans, err := store.ScanSpans(context.Background(), shard, storage.KindTrade, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []market.Span{{Start: 0, End: 3}}, spans)

	var stored []market.Trade
	require.NoError(t, store.ScanTrades(context.Background(), shard, 0, 10, func(tr market.Trade) error {
		stored = append(stored, tr)
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3, 4}, tradeIDs(stored))
}

func TestTradesUnknownExchange(t *testing.T) {
	clock := &fakeClock{}
	store := newTestStore(t)
	trades := NewTrades(store, nil, Options{Clock: clock.get})

	_, err := trades.List(context.Background(), "nope", "eth-btc", 0, 4)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
