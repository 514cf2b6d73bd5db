package series

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/storage"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewSQL(&config.Storage{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeFeed serves scripted candles and trades. Live subscriptions advance
// the shared clock as records are served, the way wall time moves while a
// real stream runs.
type fakeFeed struct {
	name      string
	intervals map[int64]int64
	clock     *fakeClock

	histCandles    []market.Candle
	histByInterval map[int64][]market.Candle
	liveCandles    []market.Candle
	histTrades     []market.Trade
	liveTrades     []market.Trade

	canHist     bool
	canLive     bool
	canEarliest bool

	histCalls    int
	tradeCalls   int
	liveConnects int
}

func newFakeFeed(clock *fakeClock) *fakeFeed {
	return &fakeFeed{
		name:      "fake",
		intervals: map[int64]int64{1: 0, 2: 0, 5: 0, timeutil.WeekMS: 4 * timeutil.DayMS},
		clock:     clock,
		canHist:   true,
		canLive:   true,
	}
}

func (f *fakeFeed) Name() string                     { return f.name }
func (f *fakeFeed) CandleIntervals() map[int64]int64 { return f.intervals }
func (f *fakeFeed) CanStreamHistoricalCandles() bool { return f.canHist }
func (f *fakeFeed) CanStreamCandles() bool           { return f.canLive }
func (f *fakeFeed) CanStreamEarliestCandle() bool    { return f.canEarliest }

func (f *fakeFeed) StreamHistoricalCandles(ctx context.Context, symbol string, interval, start, end int64, fn func(market.Candle) error) error {
	f.histCalls++
	candles := f.histCandles
	if f.histByInterval != nil {
		candles = f.histByInterval[interval]
	}
	for _, c := range candles {
		if c.Time < start || c.Time >= end {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeFeed) ConnectCandleStream(ctx context.Context, symbol string, interval int64) (exchange.CandleSub, error) {
	f.liveConnects++
	return &fakeCandleSub{queue: f.liveCandles, interval: interval, clock: f.clock}, nil
}

func (f *fakeFeed) StreamHistoricalTrades(ctx context.Context, symbol string, start, end int64, fn func(market.Trade) error) error {
	f.tradeCalls++
	for _, tr := range f.histTrades {
		if tr.Time < start || tr.Time >= end {
			continue
		}
		if err := fn(tr); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeFeed) ConnectTradeStream(ctx context.Context, symbol string) (exchange.TradeSub, error) {
	f.liveConnects++
	return &fakeTradeSub{queue: f.liveTrades, clock: f.clock}, nil
}

type fakeCandleSub struct {
	queue    []market.Candle
	interval int64
	clock    *fakeClock
}

func (s *fakeCandleSub) Recv(ctx context.Context) (market.Candle, error) {
	if len(s.queue) == 0 {
		<-ctx.Done()
		return market.Candle{}, ctx.Err()
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	if at := c.Time + s.interval; at > s.clock.now {
		s.clock.now = at
	}
	return c, nil
}

func (s *fakeCandleSub) Close() error { return nil }

type fakeTradeSub struct {
	queue []market.Trade
	clock *fakeClock
}

func (s *fakeTradeSub) Recv(ctx context.Context) (market.Trade, error) {
	if len(s.queue) == 0 {
		<-ctx.Done()
		return market.Trade{}, ctx.Err()
	}
	tr := s.queue[0]
	s.queue = s.queue[1:]
	if tr.Time > s.clock.now {
		s.clock.now = tr.Time
	}
	return tr, nil
}

func (s *fakeTradeSub) Close() error { return nil }
