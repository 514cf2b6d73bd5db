package series

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

// simulateOpen replays the requested interval with intra-interval unclosed
// updates rebuilt from closed candles of a smaller interval. Two streams run
// side by side: the smaller one feeds running snapshots, the main one
// supplies the authoritative closed candle; the final sub-candle of each
// main interval is discarded in its favor.
func (s *Candles) simulateOpen(ctx context.Context, feed exchange.Feed, req CandleRequest, emit func(market.Candle) error) error {
	interval, sub := req.Interval, req.SimulateOpenFromInterval
	if sub >= interval || interval%sub != 0 {
		return errors.Wrapf(ErrInvalidRequest, "cannot simulate open %v candles from %v",
			timeutil.FormatInterval(interval), timeutil.FormatInterval(sub))
	}
	if !req.Closed || !req.FillMissingWithLast {
		return errors.Wrap(ErrInvalidRequest, "simulating open candles requires closed and fill-missing-with-last")
	}
	mainOffset := feedIntervalOffset(feed, interval)
	sideOffset := feedIntervalOffset(feed, sub)
	start := timeutil.FloorInterval(req.Start, interval, mainOffset)
	end := timeutil.FloorInterval(req.End, interval, mainOffset)
	if end <= start {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	mainSt := s.startRange(subCtx, feed, req.Symbol, interval, mainOffset, start, end, true, true)
	sideSt := s.startRange(subCtx, feed, req.Symbol, sub, sideOffset, start, end, true, true)

	sideCurrent := start
	sideEnd := start + interval
	for {
		var (
			bucketTime              int64
			open, high, low, volume decimal.Decimal
			fresh                   = true
			exhausted               bool
		)
		for sideCurrent < sideEnd-sub {
			sc, ok := sideSt.next(subCtx)
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := sideSt.Err(); err != nil {
					return err
				}
				exhausted = true
				break
			}
			if fresh {
				bucketTime = timeutil.FloorInterval(sc.Time, interval, mainOffset)
				open, high, low = sc.Open, sc.High, sc.Low
				volume = sc.Volume
				fresh = false
			} else {
				if sc.High.GreaterThan(high) {
					high = sc.High
				}
				if sc.Low.LessThan(low) {
					low = sc.Low
				}
				volume = volume.Add(sc.Volume)
			}
			snap := market.Candle{
				Time:   bucketTime,
				Open:   open,
				High:   high,
				Low:    low,
				Close:  sc.Close,
				Volume: volume,
			}
			if err := emit(snap); err != nil {
				return err
			}
			sideCurrent = sc.Time + sub
		}
		if !exhausted {
			if _, ok := sideSt.next(subCtx); !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := sideSt.Err(); err != nil {
					return err
				}
			}
			sideCurrent = sideEnd
		}
		mc, ok := mainSt.next(subCtx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return mainSt.Err()
		}
		if err := emit(mc); err != nil {
			return err
		}
		sideEnd += interval
	}
}

// startRange runs streamRange as a lazy stream.
func (s *Candles) startRange(ctx context.Context, feed exchange.Feed, symbol string, interval, offset, start, end int64, closed, fillMissing bool) *CandleStream {
	st := newCandleStream()
	go func() {
		st.finish(s.streamRange(ctx, feed, symbol, interval, offset, start, end, closed, fillMissing, st.emit(ctx)))
	}()
	return st
}
