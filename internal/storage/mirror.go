package storage

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/milkywaybrain/candlesync/internal/market"
)

// Mirrored wraps a primary Store and additionally indexes every committed
// batch into elastic search. Mirror failures are logged and do not fail the
// commit: the primary store alone defines what has been persisted.
type Mirrored struct {
	Store
	es *ElasticSearch
}

// NewMirrored combines a primary store with an elastic search mirror.
func NewMirrored(primary Store, es *ElasticSearch) *Mirrored {
	return &Mirrored{Store: primary, es: es}
}

// CommitCandles commits to the primary store, then mirrors the batch.
func (m *Mirrored) CommitCandles(ctx context.Context, shard string, candles []market.Candle, start, end int64) error {
	if err := m.Store.CommitCandles(ctx, shard, candles, start, end); err != nil {
		return err
	}
	if err := m.es.IndexCandles(ctx, shard, candles); err != nil {
		log.Warn().Err(err).Str("shard", shard).Msg("candle batch not mirrored to elastic search")
	}
	return nil
}

// CommitTrades commits to the primary store, then mirrors the batch.
func (m *Mirrored) CommitTrades(ctx context.Context, shard string, trades []market.Trade, start, end int64) error {
	if err := m.Store.CommitTrades(ctx, shard, trades, start, end); err != nil {
		return err
	}
	if err := m.es.IndexTrades(ctx, shard, trades); err != nil {
		log.Warn().Err(err).Str("shard", shard).Msg("trade batch not mirrored to elastic search")
	}
	return nil
}
