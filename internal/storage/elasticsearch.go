package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/market"
)

// ElasticSearch mirrors committed batches into an elastic search index for
// downstream analytics. It is write-only: spans and gap bookkeeping live in
// the primary store.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

// NewElasticSearch initializes elastic search connection with configured values.
func NewElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	var ctx context.Context
	if cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = context.Background()
	}
	if _, err := es.Ping(es.Ping.WithContext(ctx)); err != nil {
		return nil, err
	}
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// esData holds either candle or trade data which will be sent to elastic search.
type esData struct {
	Channel   string          `json:"channel"`
	Shard     string          `json:"shard"`
	Time      int64           `json:"time"`
	TradeID   int64           `json:"trade_id,omitempty"`
	Open      decimal.Decimal `json:"open,omitempty"`
	High      decimal.Decimal `json:"high,omitempty"`
	Low       decimal.Decimal `json:"low,omitempty"`
	Close     decimal.Decimal `json:"close,omitempty"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Size      decimal.Decimal `json:"size,omitempty"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IndexCandles bulk indexes a committed candle batch.
func (e *ElasticSearch) IndexCandles(appCtx context.Context, shard string, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, c := range candles {
		ed := esData{
			Channel:   "candle",
			Shard:     shard,
			Time:      c.Time,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.writeBulkLine(&buf, ed); err != nil {
			return err
		}
	}
	return e.bulk(appCtx, &buf)
}

// IndexTrades bulk indexes a committed trade batch.
func (e *ElasticSearch) IndexTrades(appCtx context.Context, shard string, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, t := range trades {
		ed := esData{
			Channel:   "trade",
			Shard:     shard,
			Time:      t.Time,
			TradeID:   t.ID,
			Price:     t.Price,
			Size:      t.Size,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.writeBulkLine(&buf, ed); err != nil {
			return err
		}
	}
	return e.bulk(appCtx, &buf)
}

func (e *ElasticSearch) writeBulkLine(buf *bytes.Buffer, ed esData) error {
	meta := []byte(fmt.Sprintf(`{"create":{}}%s`, "\n"))
	esBytes, err := jsoniter.Marshal(ed)
	if err != nil {
		return err
	}
	esBytes = append(esBytes, "\n"...)
	buf.Grow(len(meta) + len(esBytes))
	buf.Write(meta)
	buf.Write(esBytes)
	return nil
}

func (e *ElasticSearch) bulk(appCtx context.Context, buf *bytes.Buffer) error {
	var ctx context.Context
	if e.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(e.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	return nil
}
