package series

import (
	"context"

	"github.com/milkywaybrain/candlesync/internal/market"
)

// CandleStream is a lazily produced candle sequence. The consumer drives
// pacing: the producer suspends on the channel send and on blocking I/O.
// After C is closed, Err reports how the stream ended; nil means the
// requested range completed.
type CandleStream struct {
	// C yields candles in non-decreasing time order.
	C <-chan market.Candle

	c   chan market.Candle
	err error
}

func newCandleStream() *CandleStream {
	c := make(chan market.Candle, 1)
	return &CandleStream{C: c, c: c}
}

// Err must only be called after C is closed.
func (s *CandleStream) Err() error {
	return s.err
}

func (s *CandleStream) emit(ctx context.Context) func(market.Candle) error {
	return func(candle market.Candle) error {
		select {
		case s.c <- candle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *CandleStream) finish(err error) {
	s.err = err
	close(s.c)
}

func (s *CandleStream) next(ctx context.Context) (market.Candle, bool) {
	select {
	case c, ok := <-s.c:
		return c, ok
	case <-ctx.Done():
		return market.Candle{}, false
	}
}

// TradeStream is the trade analog of CandleStream.
type TradeStream struct {
	// C yields trades in non-decreasing time order; trades sharing a
	// timestamp keep feed-arrival order.
	C <-chan market.Trade

	c   chan market.Trade
	err error
}

func newTradeStream() *TradeStream {
	c := make(chan market.Trade, 1)
	return &TradeStream{C: c, c: c}
}

// Err must only be called after C is closed.
func (s *TradeStream) Err() error {
	return s.err
}

func (s *TradeStream) emit(ctx context.Context) func(market.Trade) error {
	return func(trade market.Trade) error {
		select {
		case s.c <- trade:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *TradeStream) finish(err error) {
	s.err = err
	close(s.c)
}
