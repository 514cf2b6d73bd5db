package series

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/storage"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const firstCandleKey = "first_candle"

// errStopScan aborts a feed scan early once the needed record was seen.
var errStopScan = errors.New("stop scan")

// Candles serves gap-free, deduplicated candle history for exchange symbols,
// merging local storage with historical and live feed fetches. Everything
// fetched is persisted together with its span record, so any rerun resumes
// instead of refetching.
type Candles struct {
	store                 storage.Store
	feeds                 map[string]exchange.Feed
	trades                *Trades
	clock                 timeutil.Clock
	batchSize             int
	earliestExchangeStart int64
	retry                 retryPolicy
}

// NewCandles wires the candle service. The trades service is optional; it is
// only needed when candles must be constructed from trades, either because
// the feed lacks a live candle channel or the interval is unsupported.
func NewCandles(store storage.Store, feeds []exchange.Feed, trades *Trades, opts Options) *Candles {
	opts = opts.withDefaults()
	byName := make(map[string]exchange.Feed, len(feeds))
	for _, f := range feeds {
		byName[f.Name()] = f
	}
	return &Candles{
		store:                 store,
		feeds:                 byName,
		trades:                trades,
		clock:                 opts.Clock,
		batchSize:             opts.BatchSize,
		earliestExchangeStart: opts.EarliestExchangeStart,
		retry:                 newRetryPolicy(opts.RetryAttempts, opts.RetryResetSec, opts.Clock),
	}
}

// CandleRequest describes one candle stream.
type CandleRequest struct {
	Exchange string
	Symbol   string
	Interval int64

	// Half-open time range [Start, End). A zero End means unbounded.
	Start int64
	End   int64

	// Closed drops unclosed candles from the stream.
	Closed bool

	// FillMissingWithLast synthesizes zero-volume candles for gaps,
	// carrying the previous close forward.
	FillMissingWithLast bool

	// SimulateOpenFromInterval, when non-zero, rebuilds intra-interval
	// unclosed updates for Interval out of closed candles of this smaller
	// interval. Requires Closed and FillMissingWithLast.
	SimulateOpenFromInterval int64
}

// Stream yields candles for the request in time order. Ranges beyond the
// current time are served live.
func (s *Candles) Stream(ctx context.Context, req CandleRequest) *CandleStream {
	st := newCandleStream()
	go func() {
		st.finish(s.stream(ctx, req, st.emit(ctx)))
	}()
	return st
}

// List collects a Stream into a slice.
func (s *Candles) List(ctx context.Context, req CandleRequest) ([]market.Candle, error) {
	st := s.Stream(ctx, req)
	var out []market.Candle
	for c := range st.C {
		out = append(out, c)
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Candles) stream(ctx context.Context, req CandleRequest, emit func(market.Candle) error) error {
	feed, ok := s.feeds[req.Exchange]
	if !ok {
		return errors.Wrapf(ErrNotConfigured, "unknown exchange %q", req.Exchange)
	}
	if req.Interval <= 0 {
		return errors.Wrapf(ErrInvalidRequest, "interval %v", req.Interval)
	}
	if req.End == 0 {
		req.End = timeutil.MaxTimeMS
	}
	if req.SimulateOpenFromInterval > 0 {
		return s.simulateOpen(ctx, feed, req, emit)
	}
	offset := feedIntervalOffset(feed, req.Interval)
	return s.streamRange(ctx, feed, req.Symbol, req.Interval, offset, req.Start, req.End, req.Closed, req.FillMissingWithLast, emit)
}

// streamRange serves one aligned candle range, splitting it against the
// stored spans and filling each missing slice from the feed.
func (s *Candles) streamRange(ctx context.Context, feed exchange.Feed, symbol string, interval, offset, start, end int64, closed, fillMissing bool, emit func(market.Candle) error) error {
	start = timeutil.FloorInterval(start, interval, offset)
	end = timeutil.FloorInterval(end, interval, offset)
	if end <= start {
		return nil
	}
	shard := market.CandleShard(feed.Name(), symbol, interval)
	log.Info().Str("exchange", feed.Name()).Str("symbol", symbol).
		Str("interval", timeutil.FormatInterval(interval)).
		Str("span", timeutil.FormatSpan(start, end)).
		Msg("checking for existing candles in storage")
	existing, err := s.store.ScanSpans(ctx, shard, storage.KindCandle, start, end)
	if err != nil {
		return err
	}

	var lastClosed *market.Candle
	inner := func(c market.Candle) error {
		if lastClosed == nil && c.Closed {
			if numMissed := (c.Time - start) / interval; numMissed > 0 {
				log.Warn().Str("shard", shard).Int64("count", numMissed).
					Msg("missed candles at range start")
			}
		}
		if lastClosed != nil && c.Time-lastClosed.Time >= 2*interval {
			numMissed := (c.Time-lastClosed.Time)/interval - 1
			log.Warn().Str("shard", shard).Int64("count", numMissed).
				Int64("after", lastClosed.Time).Msg("missed candles")
			if fillMissing {
				for i := int64(1); i <= numMissed; i++ {
					fill := market.Candle{
						Time:   lastClosed.Time + i*interval,
						Open:   lastClosed.Close,
						High:   lastClosed.Close,
						Low:    lastClosed.Close,
						Close:  lastClosed.Close,
						Volume: decimal.Zero,
						Closed: true,
					}
					if err := emit(fill); err != nil {
						return err
					}
				}
			}
		}
		if !closed || c.Closed {
			if err := emit(c); err != nil {
				return err
			}
		}
		if c.Closed {
			cc := c
			lastClosed = &cc
		}
		return nil
	}

	for _, sp := range reconcile(start, end, existing) {
		if sp.local {
			log.Info().Str("shard", shard).Str("span", timeutil.FormatSpan(sp.start, sp.end)).
				Msg("candle span stored locally")
			err = s.store.ScanCandles(ctx, shard, sp.start, sp.end, inner)
		} else {
			log.Info().Str("shard", shard).Str("span", timeutil.FormatSpan(sp.start, sp.end)).
				Msg("candle span missing, fetching from feed")
			err = s.fetchAndStore(ctx, feed, shard, symbol, interval, offset, sp.start, sp.end, inner)
		}
		if err != nil {
			return err
		}
	}

	if lastClosed == nil {
		log.Warn().Str("shard", shard).Str("span", timeutil.FormatSpan(start, end)).
			Msg("no closed candles in range")
	} else if lastClosed.Time < end-interval {
		numMissed := (end - interval - lastClosed.Time) / interval
		log.Warn().Str("shard", shard).Int64("count", numMissed).
			Msg("missed candles at range end")
	}
	return nil
}

// fetchAndStore streams feed candles for [start, end) and persists closed
// ones in batches as they pass through. Batches swap between two buffers so
// a commit never races the next fill; on failure the partial batch is
// flushed, the covered span recorded, and the retry resumes past it.
func (s *Candles) fetchAndStore(ctx context.Context, feed exchange.Feed, shard, symbol string, interval, offset, start, end int64, emit func(market.Candle) error) error {
	return s.retry.do(ctx, shard, func(ctx context.Context) error {
		batch := make([]market.Candle, 0, s.batchSize)
		swap := make([]market.Candle, 0, s.batchSize)
		streamErr := s.streamFeedCandles(ctx, feed, symbol, interval, offset, start, end, func(c market.Candle) error {
			if c.Closed {
				batch = append(batch, c)
				if len(batch) == s.batchSize {
					batchStart, batchEnd := start, batch[len(batch)-1].Time+interval
					swap = swap[:0]
					batch, swap = swap, batch
					if err := s.store.CommitCandles(ctx, shard, swap, batchStart, batchEnd); err != nil {
						return err
					}
					start = batchEnd
				}
			}
			return emit(c)
		})
		if streamErr != nil {
			if len(batch) > 0 {
				flushCtx := ctx
				if ctx.Err() != nil {
					flushCtx = context.WithoutCancel(ctx)
				}
				batchStart, batchEnd := start, batch[len(batch)-1].Time+interval
				if err := s.store.CommitCandles(flushCtx, shard, batch, batchStart, batchEnd); err != nil {
					return err
				}
				start = batchEnd
			}
			return streamErr
		}
		// Everything up to the current open interval is now known, even
		// if the feed had no candles there.
		spanEnd := min(timeutil.FloorInterval(s.clock(), interval, offset), end)
		if len(batch) == 0 && spanEnd <= start {
			return nil
		}
		return s.store.CommitCandles(ctx, shard, batch, start, spanEnd)
	})
}

// streamFeedCandles merges the historical endpoint with the live feed. The
// live connection is opened before the historical fetch so no candle falls
// between the two; the overlap is dropped by timestamp. Candle times off the
// interval grid are adjusted back onto it.
func (s *Candles) streamFeedCandles(ctx context.Context, feed exchange.Feed, symbol string, interval, offset, start, end int64, emit func(market.Candle) error) error {
	_, supported := feed.CandleIntervals()[interval]
	current := timeutil.FloorInterval(s.clock(), interval, offset)

	lastTime := int64(-1)
	adjEmit := func(c market.Candle) error {
		if !timeutil.OnBoundary(c.Time, interval, offset) {
			adjusted := timeutil.FloorInterval(c.Time, interval, offset)
			log.Warn().Str("symbol", symbol).Int64("time", c.Time).Int64("adjusted", adjusted).
				Msg("candle time off the interval boundary")
			if lastTime == adjusted {
				if c.Volume.IsPositive() {
					return errors.Wrapf(storage.ErrIntegrity,
						"candle at %v adjusts onto already emitted %v with non-zero volume", c.Time, adjusted)
				}
				// Zero-volume artifact of an idle interval.
				return nil
			}
			c.Time = adjusted
		}
		if err := emit(c); err != nil {
			return err
		}
		lastTime = c.Time
		return nil
	}

	var (
		sub exchange.CandleSub
		err error
	)
	live := end > current && feed.CanStreamCandles() && supported
	if live {
		sub, err = feed.ConnectCandleStream(ctx, symbol, interval)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	if start < current {
		histEnd := min(end, current)
		if feed.CanStreamHistoricalCandles() && supported {
			err = feed.StreamHistoricalCandles(ctx, symbol, interval, start, histEnd, adjEmit)
		} else {
			err = s.constructCandles(ctx, feed.Name(), symbol, interval, start, histEnd, adjEmit)
		}
		if err != nil {
			return err
		}
	}
	if end <= current {
		return nil
	}
	if !live {
		return s.constructCandles(ctx, feed.Name(), symbol, interval, current, end, adjEmit)
	}
	for {
		c, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if c.Time < current {
			continue
		}
		if c.Time >= end {
			return nil
		}
		if err := adjEmit(c); err != nil {
			return err
		}
		if c.Closed && c.Time == end-interval {
			return nil
		}
	}
}

// First returns the earliest candle the exchange has for the symbol and
// interval. The result is cached in storage; feeds without an
// earliest-candle shortcut are binary searched.
func (s *Candles) First(ctx context.Context, exchangeName, symbol string, interval int64) (market.Candle, error) {
	feed, ok := s.feeds[exchangeName]
	if !ok {
		return market.Candle{}, errors.Wrapf(ErrNotConfigured, "unknown exchange %q", exchangeName)
	}
	shard := market.CandleShard(exchangeName, symbol, interval)
	if c, ok, err := s.store.GetCandle(ctx, shard, firstCandleKey); err != nil {
		return market.Candle{}, err
	} else if ok {
		return c, nil
	}

	var (
		first market.Candle
		found bool
		err   error
	)
	if feed.CanStreamEarliestCandle() {
		err = feed.StreamHistoricalCandles(ctx, symbol, interval, 0, timeutil.MaxTimeMS, func(c market.Candle) error {
			first = c
			found = true
			return errStopScan
		})
		if err != nil && !errors.Is(err, errStopScan) {
			return market.Candle{}, err
		}
		if !found {
			return market.Candle{}, errors.Wrapf(ErrNotFound, "first candle of %v", shard)
		}
	} else {
		if first, err = s.findFirst(ctx, feed, symbol, interval); err != nil {
			return market.Candle{}, err
		}
	}
	if err := s.store.SetCandle(ctx, shard, firstCandleKey, first); err != nil {
		return market.Candle{}, err
	}
	return first, nil
}

// findFirst binary searches history for the earliest candle. Probes go
// through the regular stream path, so every probed range lands in storage
// and repeat searches are cheap.
func (s *Candles) findFirst(ctx context.Context, feed exchange.Feed, symbol string, interval int64) (market.Candle, error) {
	offset := feedIntervalOffset(feed, interval)
	start := timeutil.CeilInterval(s.earliestExchangeStart, interval, offset)
	end := timeutil.FloorInterval(s.clock(), interval, offset)
	finalEnd := end
	for start < end {
		mid := start + timeutil.FloorMultiple((end-start)/2, interval)
		from := mid
		to := min(from+2*interval, finalEnd)
		candles, err := s.List(ctx, CandleRequest{
			Exchange: feed.Name(),
			Symbol:   symbol,
			Interval: interval,
			Start:    from,
			End:      to,
			Closed:   true,
		})
		if err != nil {
			return market.Candle{}, err
		}
		switch {
		case len(candles) == 0:
			start = mid + interval
		case len(candles) == 1 && to-from > interval:
			return candles[0], nil
		default:
			end = mid
		}
	}
	return market.Candle{}, errors.Wrapf(ErrNotFound, "first candle of %v %v %v",
		feed.Name(), symbol, timeutil.FormatInterval(interval))
}

// Last returns the most recent closed candle.
func (s *Candles) Last(ctx context.Context, exchangeName, symbol string, interval int64) (market.Candle, error) {
	feed, ok := s.feeds[exchangeName]
	if !ok {
		return market.Candle{}, errors.Wrapf(ErrNotConfigured, "unknown exchange %q", exchangeName)
	}
	offset := feedIntervalOffset(feed, interval)
	end := timeutil.FloorInterval(s.clock(), interval, offset)
	candles, err := s.List(ctx, CandleRequest{
		Exchange: exchangeName,
		Symbol:   symbol,
		Interval: interval,
		Start:    end - interval,
		End:      end,
		Closed:   true,
	})
	if err != nil {
		return market.Candle{}, err
	}
	if len(candles) == 0 {
		return market.Candle{}, errors.Wrapf(ErrNotFound, "last candle of %v %v %v",
			exchangeName, symbol, timeutil.FormatInterval(interval))
	}
	return candles[len(candles)-1], nil
}

// MapIntervals returns the exchange's supported interval to offset mapping,
// filtered to the given intervals. With no filter the full mapping is
// returned.
func (s *Candles) MapIntervals(exchangeName string, intervals ...int64) (map[int64]int64, error) {
	feed, ok := s.feeds[exchangeName]
	if !ok {
		return nil, errors.Wrapf(ErrNotConfigured, "unknown exchange %q", exchangeName)
	}
	all := feed.CandleIntervals()
	if len(intervals) == 0 {
		out := make(map[int64]int64, len(all))
		for k, v := range all {
			out[k] = v
		}
		return out, nil
	}
	out := make(map[int64]int64, len(intervals))
	for _, interval := range intervals {
		if offset, ok := all[interval]; ok {
			out[interval] = offset
		}
	}
	return out, nil
}

// IntervalOffset reports how far candle boundaries of the interval are
// shifted from zero on the exchange, such as weekly candles opening on
// Monday.
func (s *Candles) IntervalOffset(exchangeName string, interval int64) (int64, error) {
	feed, ok := s.feeds[exchangeName]
	if !ok {
		return 0, errors.Wrapf(ErrNotConfigured, "unknown exchange %q", exchangeName)
	}
	return feedIntervalOffset(feed, interval), nil
}

func feedIntervalOffset(feed exchange.Feed, interval int64) int64 {
	return feed.CandleIntervals()[interval]
}
