package exchange

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/connector"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const coinbaseMaxCandles = 300

// Coinbase streams candles and trades from the coinbase exchange. There is
// no live candle channel and no direct earliest-candle lookup, so live
// candles are constructed from trades and the first candle is found by
// binary search.
type Coinbase struct {
	rest    *connector.REST
	wsCfg   *config.WS
	limiter *connector.Limiter
}

// NewCoinbase creates the coinbase feed.
func NewCoinbase(rest *connector.REST, wsCfg *config.WS, limiter *connector.Limiter) *Coinbase {
	return &Coinbase{rest: rest, wsCfg: wsCfg, limiter: limiter}
}

func (c *Coinbase) Name() string { return "coinbase" }

func (c *Coinbase) CandleIntervals() map[int64]int64 {
	return map[int64]int64{
		timeutil.MinMS:      0,
		5 * timeutil.MinMS:  0,
		15 * timeutil.MinMS: 0,
		timeutil.HourMS:     0,
		6 * timeutil.HourMS: 0,
		timeutil.DayMS:      0,
	}
}

func (c *Coinbase) CanStreamHistoricalCandles() bool { return true }
func (c *Coinbase) CanStreamCandles() bool           { return false }
func (c *Coinbase) CanStreamEarliestCandle() bool    { return false }

func coinbaseSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}

// StreamHistoricalCandles pages through the product candles REST endpoint.
// Responses are newest first and capped at 300 candles per request.
func (c *Coinbase) StreamHistoricalCandles(ctx context.Context, symbol string, interval, start, end int64, fn func(market.Candle) error) error {
	pageSize := int64(coinbaseMaxCandles) * interval
	for pageStart := start; pageStart < end; pageStart += pageSize {
		pageEnd := pageStart + pageSize
		if pageEnd > end {
			pageEnd = end
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		q := url.Values{}
		q.Set("granularity", strconv.FormatInt(interval/timeutil.SecMS, 10))
		q.Set("start", timeutil.FormatTimestamp(pageStart))
		// The end parameter is inclusive.
		q.Set("end", timeutil.FormatTimestamp(pageEnd-interval))

		var rows [][]interface{}
		rawURL := config.CoinbaseRESTBaseURL + "products/" + coinbaseSymbol(symbol) + "/candles?" + q.Encode()
		if err := c.getJSON(ctx, rawURL, &rows); err != nil {
			return err
		}
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if len(row) < 6 {
				return errors.Errorf("unexpected coinbase candle row of %v columns", len(row))
			}
			candle, err := coinbaseCandleFromRow(row)
			if err != nil {
				return err
			}
			if candle.Time < pageStart || candle.Time >= pageEnd {
				continue
			}
			if err := fn(candle); err != nil {
				return err
			}
		}
	}
	return nil
}

func coinbaseCandleFromRow(row []interface{}) (market.Candle, error) {
	var c market.Candle
	ts, ok := row[0].(float64)
	if !ok {
		return c, errors.New("unexpected coinbase candle time type")
	}
	c.Time = int64(ts) * timeutil.SecMS
	var err error
	if c.Low, err = coinbaseDecimal(row[1]); err != nil {
		return c, err
	}
	if c.High, err = coinbaseDecimal(row[2]); err != nil {
		return c, err
	}
	if c.Open, err = coinbaseDecimal(row[3]); err != nil {
		return c, err
	}
	if c.Close, err = coinbaseDecimal(row[4]); err != nil {
		return c, err
	}
	if c.Volume, err = coinbaseDecimal(row[5]); err != nil {
		return c, err
	}
	c.Closed = true
	return c, nil
}

func coinbaseDecimal(v interface{}) (decimal.Decimal, error) {
	f, ok := v.(float64)
	if !ok {
		return decimal.Decimal{}, errors.New("unexpected coinbase candle price type")
	}
	return decimal.NewFromFloat(f), nil
}

// StreamHistoricalTrades walks the product trades REST endpoint. The
// endpoint only pages backward from newest, so pages are buffered until the
// range start is reached and then emitted in time order.
func (c *Coinbase) StreamHistoricalTrades(ctx context.Context, symbol string, start, end int64, fn func(market.Trade) error) error {
	var (
		buffered []market.Trade
		after    string
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		rawURL := config.CoinbaseRESTBaseURL + "products/" + coinbaseSymbol(symbol) + "/trades?limit=1000"
		if after != "" {
			rawURL += "&after=" + url.QueryEscape(after)
		}
		req, err := c.rest.Request(ctx, "GET", rawURL)
		if err != nil {
			return err
		}
		resp, err := c.rest.Do(req)
		if err != nil {
			return Transient(err)
		}
		var rows []struct {
			Time    string `json:"time"`
			TradeID int64  `json:"trade_id"`
			Price   string `json:"price"`
			Size    string `json:"size"`
		}
		status := resp.StatusCode
		if status >= 500 || status == 429 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return Transient(errors.Errorf("coinbase returned status %v", status))
		}
		if status >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return errors.Errorf("coinbase returned status %v", status)
		}
		if err := jsoniter.NewDecoder(resp.Body).Decode(&rows); err != nil {
			resp.Body.Close()
			return Transient(errors.Wrap(err, "decode coinbase trades"))
		}
		after = resp.Header.Get("Cb-After")
		resp.Body.Close()

		if len(rows) == 0 {
			break
		}
		reachedStart := false
		// Rows are newest first within a page.
		for _, row := range rows {
			ts, err := time.Parse(time.RFC3339Nano, row.Time)
			if err != nil {
				return errors.Wrap(err, "decode coinbase trade time")
			}
			tms := ts.UnixMilli()
			if tms >= end {
				continue
			}
			if tms < start {
				reachedStart = true
				break
			}
			price, err := decimal.NewFromString(row.Price)
			if err != nil {
				return errors.Wrap(err, "decode coinbase trade price")
			}
			size, err := decimal.NewFromString(row.Size)
			if err != nil {
				return errors.Wrap(err, "decode coinbase trade size")
			}
			buffered = append(buffered, market.Trade{ID: row.TradeID, Time: tms, Price: price, Size: size})
		}
		if reachedStart || after == "" {
			break
		}
	}
	// Emit oldest first.
	for i := len(buffered) - 1; i >= 0; i-- {
		if err := fn(buffered[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coinbase) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := c.rest.Request(ctx, "GET", rawURL)
	if err != nil {
		return err
	}
	resp, err := c.rest.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Transient(errors.Errorf("coinbase returned status %v", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("coinbase returned status %v", resp.StatusCode)
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(errors.Wrap(err, "decode coinbase response"))
	}
	return nil
}

// ConnectCandleStream is not available on coinbase.
func (c *Coinbase) ConnectCandleStream(ctx context.Context, symbol string, interval int64) (CandleSub, error) {
	return nil, errors.Wrap(ErrNotSupported, "coinbase live candles")
}

type coinbaseWsSub struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type coinbaseTradeSub struct {
	ws connector.Websocket
}

// ConnectTradeStream subscribes to the matches websocket channel.
func (c *Coinbase) ConnectTradeStream(ctx context.Context, symbol string) (TradeSub, error) {
	ws, err := connector.NewWebsocket(ctx, c.wsCfg, config.CoinbaseWebsocketURL)
	if err != nil {
		return nil, Transient(err)
	}
	sub := coinbaseWsSub{
		Type:       "subscribe",
		ProductIDs: []string{coinbaseSymbol(symbol)},
		Channels:   []string{"matches"},
	}
	frame, err := jsoniter.Marshal(sub)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.Write(frame); err != nil {
		_ = ws.Close()
		return nil, Transient(err)
	}
	log.Info().Str("exchange", "coinbase").Str("symbol", symbol).Msg("matches channel subscribed")
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	return &coinbaseTradeSub{ws: ws}, nil
}

type coinbaseWsMatch struct {
	Type    string `json:"type"`
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

func (s *coinbaseTradeSub) Recv(ctx context.Context) (market.Trade, error) {
	for {
		frame, err := s.ws.Read()
		if err != nil {
			return market.Trade{}, wsReadErr(ctx, err)
		}
		if len(frame) == 0 {
			continue
		}
		var wm coinbaseWsMatch
		if err := jsoniter.Unmarshal(frame, &wm); err != nil {
			return market.Trade{}, Transient(errors.Wrap(err, "decode coinbase match frame"))
		}
		switch wm.Type {
		case "error":
			return market.Trade{}, errors.Errorf("coinbase websocket error: %v", wm.Message)
		case "match", "last_match":
		default:
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, wm.Time)
		if err != nil {
			return market.Trade{}, errors.Wrap(err, "decode coinbase match time")
		}
		price, err := decimal.NewFromString(wm.Price)
		if err != nil {
			return market.Trade{}, errors.Wrap(err, "decode coinbase match price")
		}
		size, err := decimal.NewFromString(wm.Size)
		if err != nil {
			return market.Trade{}, errors.Wrap(err, "decode coinbase match size")
		}
		return market.Trade{ID: wm.TradeID, Time: ts.UnixMilli(), Price: price, Size: size}, nil
	}
}

func (s *coinbaseTradeSub) Close() error {
	return s.ws.Close()
}
