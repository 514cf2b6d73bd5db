package series

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/storage"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const recentTradeIDs = 20

// Trades serves gap-free trade history for an exchange symbol, merging local
// storage with feed fetches. Fetched ranges are persisted with their span
// records so a rerun never refetches them.
type Trades struct {
	store     storage.Store
	feeds     map[string]exchange.Feed
	clock     timeutil.Clock
	batchSize int
	retry     retryPolicy
}

// NewTrades wires the trade service. Options may be zero valued.
func NewTrades(store storage.Store, feeds []exchange.Feed, opts Options) *Trades {
	opts = opts.withDefaults()
	byName := make(map[string]exchange.Feed, len(feeds))
	for _, f := range feeds {
		byName[f.Name()] = f
	}
	return &Trades{
		store:     store,
		feeds:     byName,
		clock:     opts.Clock,
		batchSize: opts.BatchSize,
		retry:     newRetryPolicy(opts.RetryAttempts, opts.RetryResetSec, opts.Clock),
	}
}

// Stream yields trades for [start, end) in time order. Ranges beyond the
// current time are served from the live feed.
func (t *Trades) Stream(ctx context.Context, exchangeName, symbol string, start, end int64) *TradeStream {
	st := newTradeStream()
	go func() {
		st.finish(t.scan(ctx, exchangeName, symbol, start, end, st.emit(ctx)))
	}()
	return st
}

// List collects a Stream into a slice.
func (t *Trades) List(ctx context.Context, exchangeName, symbol string, start, end int64) ([]market.Trade, error) {
	st := t.Stream(ctx, exchangeName, symbol, start, end)
	var out []market.Trade
	for trade := range st.C {
		out = append(out, trade)
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Trades) scan(ctx context.Context, exchangeName, symbol string, start, end int64, emit func(market.Trade) error) error {
	feed, ok := t.feeds[exchangeName]
	if !ok {
		return errors.Wrapf(ErrNotConfigured, "unknown exchange %q", exchangeName)
	}
	if end == 0 {
		end = timeutil.MaxTimeMS
	}
	if end <= start {
		return nil
	}
	shard := market.TradeShard(exchangeName, symbol)
	log.Info().Str("exchange", exchangeName).Str("symbol", symbol).
		Str("span", timeutil.FormatSpan(start, end)).Msg("checking for existing trades in storage")
	existing, err := t.store.ScanSpans(ctx, shard, storage.KindTrade, start, end)
	if err != nil {
		return err
	}
	for _, sp := range reconcile(start, end, existing) {
		if sp.local {
			log.Info().Str("shard", shard).Str("span", timeutil.FormatSpan(sp.start, sp.end)).
				Msg("trade span stored locally")
			err = t.store.ScanTrades(ctx, shard, sp.start, sp.end, emit)
		} else {
			log.Info().Str("shard", shard).Str("span", timeutil.FormatSpan(sp.start, sp.end)).
				Msg("trade span missing, fetching from feed")
			err = t.fetchAndStore(ctx, feed, shard, symbol, sp.start, sp.end, emit)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchAndStore streams feed trades for [start, end) and persists them in
// batches as they pass through. One extra slot is kept past the batch size
// so the trailing run of same-timestamp trades can be held back; committing
// mid-run would let a crash split trades that share a timestamp across a
// span boundary.
func (t *Trades) fetchAndStore(ctx context.Context, feed exchange.Feed, shard, symbol string, start, end int64, emit func(market.Trade) error) error {
	return t.retry.do(ctx, shard, func(ctx context.Context) error {
		batch := make([]market.Trade, 0, t.batchSize+1)
		swap := make([]market.Trade, 0, t.batchSize+1)
		streamErr := t.streamFeedTrades(ctx, feed, symbol, start, end, func(trade market.Trade) error {
			batch = append(batch, trade)
			if len(batch) == t.batchSize+1 {
				last := batch[len(batch)-1]
				cut := len(batch) - 1
				for cut > 0 && batch[cut-1].Time == last.Time {
					cut--
				}
				if cut == 0 {
					// The whole batch shares one timestamp; keep
					// accumulating until a newer trade arrives.
					return emit(trade)
				}
				swap = swap[:0]
				swap = append(swap, batch[cut:]...)
				batchStart, batchEnd := start, batch[cut-1].Time+1
				if err := t.store.CommitTrades(ctx, shard, batch[:cut], batchStart, batchEnd); err != nil {
					return err
				}
				start = batchEnd
				batch, swap = swap, batch
			}
			return emit(trade)
		})
		if streamErr != nil {
			if len(batch) > 0 {
				flushCtx := ctx
				if ctx.Err() != nil {
					flushCtx = context.WithoutCancel(ctx)
				}
				batchStart, batchEnd := start, batch[len(batch)-1].Time+1
				if err := t.store.CommitTrades(flushCtx, shard, batch, batchStart, batchEnd); err != nil {
					return err
				}
				start = batchEnd
			}
			return streamErr
		}
		spanEnd := min(t.clock(), end)
		if len(batch) == 0 && spanEnd <= start {
			return nil
		}
		return t.store.CommitTrades(ctx, shard, batch, start, spanEnd)
	})
}

// streamFeedTrades merges the historical endpoint with the live feed. The
// live connection is opened before the historical fetch so no trade falls
// between the two; the overlap is dropped by timestamp and by remembering
// recently seen trade IDs.
func (t *Trades) streamFeedTrades(ctx context.Context, feed exchange.Feed, symbol string, start, end int64, emit func(market.Trade) error) error {
	current := t.clock()
	var (
		sub exchange.TradeSub
		err error
	)
	if end > current {
		sub, err = feed.ConnectTradeStream(ctx, symbol)
		if err != nil {
			return err
		}
		defer sub.Close()
	}
	var recent idRing
	if start < current {
		histEnd := min(end, current)
		err = feed.StreamHistoricalTrades(ctx, symbol, start, histEnd, func(trade market.Trade) error {
			if trade.ID > 0 {
				recent.add(trade.ID)
			}
			return emit(trade)
		})
		if err != nil {
			return err
		}
	}
	if sub == nil {
		return nil
	}
	skippingExisting := true
	for {
		trade, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if trade.Time >= end {
			return nil
		}
		if skippingExisting {
			if trade.Time < current || (trade.ID > 0 && recent.contains(trade.ID)) {
				continue
			}
			skippingExisting = false
		}
		if err := emit(trade); err != nil {
			return err
		}
	}
}

// idRing remembers the most recent trade IDs for live/historical overlap
// detection.
type idRing struct {
	ids  [recentTradeIDs]int64
	n    int
	next int
}

func (r *idRing) add(id int64) {
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
	if r.n < len(r.ids) {
		r.n++
	}
}

func (r *idRing) contains(id int64) bool {
	for i := 0; i < r.n; i++ {
		if r.ids[i] == id {
			return true
		}
	}
	return false
}
