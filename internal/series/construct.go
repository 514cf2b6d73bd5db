package series

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

// constructCandles builds interval candles out of the trade stream for
// feeds that lack a candle endpoint for the range or interval. The bar
// closes on the first trade that reaches the next bucket; intervals without
// trades produce no bar.
func (s *Candles) constructCandles(ctx context.Context, exchangeName, symbol string, interval, start, end int64, emit func(market.Candle) error) error {
	if s.trades == nil {
		return errors.Wrap(ErrNotConfigured, "candle construction needs a trades service")
	}
	log.Info().Str("exchange", exchangeName).Str("symbol", symbol).
		Str("interval", timeutil.FormatInterval(interval)).
		Str("span", timeutil.FormatSpan(start, end)).
		Msg("constructing candles from trades")

	var (
		current                     = start
		next                        = current + interval
		open, high, low, closePrice decimal.Decimal
		volume                      decimal.Decimal
		fresh                       = true
	)
	flush := func() error {
		if fresh {
			return nil
		}
		fresh = true
		return emit(market.Candle{
			Time:   current,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
			Closed: true,
		})
	}
	err := s.trades.scan(ctx, exchangeName, symbol, start, end, func(trade market.Trade) error {
		if trade.Time >= next {
			if err := flush(); err != nil {
				return err
			}
			for trade.Time >= next {
				current = next
				next += interval
			}
		}
		if fresh {
			open, high, low = trade.Price, trade.Price, trade.Price
			volume = decimal.Zero
			fresh = false
		} else {
			if trade.Price.GreaterThan(high) {
				high = trade.Price
			}
			if trade.Price.LessThan(low) {
				low = trade.Price
			}
		}
		closePrice = trade.Price
		volume = volume.Add(trade.Size)
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// StreamByVolume yields volume bars: a bar closes every time traded size
// reaches the threshold, with the remainder carried into the next bar. Bar
// times are the time of the first trade contributing to the bar.
func (s *Candles) StreamByVolume(ctx context.Context, exchangeName, symbol string, threshold decimal.Decimal, start, end int64) *CandleStream {
	st := newCandleStream()
	go func() {
		st.finish(s.constructByVolume(ctx, exchangeName, symbol, threshold, start, end, st.emit(ctx)))
	}()
	return st
}

func (s *Candles) constructByVolume(ctx context.Context, exchangeName, symbol string, threshold decimal.Decimal, start, end int64, emit func(market.Candle) error) error {
	if s.trades == nil {
		return errors.Wrap(ErrNotConfigured, "candle construction needs a trades service")
	}
	if !threshold.IsPositive() {
		return errors.Wrapf(ErrInvalidRequest, "volume threshold %v", threshold)
	}
	var (
		baseTime                    = int64(0)
		open, high, low, closePrice decimal.Decimal
		run                         decimal.Decimal
		fresh                       = true
	)
	return s.trades.scan(ctx, exchangeName, symbol, start, end, func(trade market.Trade) error {
		if fresh {
			baseTime = trade.Time
			open, high, low = trade.Price, trade.Price, trade.Price
			run = decimal.Zero
			fresh = false
		} else {
			if trade.Price.GreaterThan(high) {
				high = trade.Price
			}
			if trade.Price.LessThan(low) {
				low = trade.Price
			}
		}
		closePrice = trade.Price
		run = run.Add(trade.Size)
		for run.GreaterThanOrEqual(threshold) {
			bar := market.Candle{
				Time:   baseTime,
				Open:   open,
				High:   high,
				Low:    low,
				Close:  closePrice,
				Volume: threshold,
				Closed: true,
			}
			if err := emit(bar); err != nil {
				return err
			}
			run = run.Sub(threshold)
			baseTime = trade.Time
			open, high, low = trade.Price, trade.Price, trade.Price
		}
		return nil
	})
}
