package exchange

import (
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/connector"
	"github.com/milkywaybrain/candlesync/internal/market"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

const (
	binanceMaxCandles = 1000
	binanceMaxTrades  = 1000

	// aggTrades requests with a time range must stay within one hour.
	binanceTradeWindowMS = timeutil.HourMS
)

// Binance streams candles and trades from the binance exchange. All
// capabilities are supported.
type Binance struct {
	rest    *connector.REST
	wsCfg   *config.WS
	limiter *connector.Limiter
}

// NewBinance creates the binance feed. The limiter is shared process-wide so
// concurrent streams respect the exchange request budget together.
func NewBinance(rest *connector.REST, wsCfg *config.WS, limiter *connector.Limiter) *Binance {
	return &Binance{rest: rest, wsCfg: wsCfg, limiter: limiter}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) CandleIntervals() map[int64]int64 {
	return map[int64]int64{
		timeutil.MinMS:       0,
		3 * timeutil.MinMS:   0,
		5 * timeutil.MinMS:   0,
		15 * timeutil.MinMS:  0,
		30 * timeutil.MinMS:  0,
		timeutil.HourMS:      0,
		2 * timeutil.HourMS:  0,
		4 * timeutil.HourMS:  0,
		6 * timeutil.HourMS:  0,
		8 * timeutil.HourMS:  0,
		12 * timeutil.HourMS: 0,
		timeutil.DayMS:       0,
		3 * timeutil.DayMS:   0,
		timeutil.WeekMS:      4 * timeutil.DayMS, // week candles anchored to Monday
	}
}

func (b *Binance) CanStreamHistoricalCandles() bool { return true }
func (b *Binance) CanStreamCandles() bool           { return true }
func (b *Binance) CanStreamEarliestCandle() bool    { return true }

// Symbols are normalized like "eth-btc" in the app.
func binanceHTTPSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

func binanceWsSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", ""))
}

// StreamHistoricalCandles pages through the klines REST endpoint.
func (b *Binance) StreamHistoricalCandles(ctx context.Context, symbol string, interval, start, end int64, fn func(market.Candle) error) error {
	pageStart := start
	for pageStart < end {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		q := url.Values{}
		q.Set("symbol", binanceHTTPSymbol(symbol))
		q.Set("interval", timeutil.FormatInterval(interval))
		q.Set("startTime", strconv.FormatInt(pageStart, 10))
		q.Set("endTime", strconv.FormatInt(end-1, 10))
		q.Set("limit", strconv.Itoa(binanceMaxCandles))

		var rows [][]interface{}
		if err := b.getJSON(ctx, config.BinanceRESTBaseURL+"klines?"+q.Encode(), &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if len(row) < 7 {
				return errors.Errorf("unexpected binance kline row of %v columns", len(row))
			}
			c, err := binanceCandleFromRow(row)
			if err != nil {
				return err
			}
			if c.Time >= end {
				return nil
			}
			if c.Time < start {
				continue
			}
			if err := fn(c); err != nil {
				return err
			}
			pageStart = c.Time + interval
		}
		if len(rows) < binanceMaxCandles {
			return nil
		}
	}
	return nil
}

func binanceCandleFromRow(row []interface{}) (market.Candle, error) {
	var c market.Candle
	openTime, ok := row[0].(float64)
	if !ok {
		return c, errors.New("unexpected binance kline open time type")
	}
	c.Time = int64(openTime)
	var err error
	if c.Open, err = binanceDecimal(row[1]); err != nil {
		return c, err
	}
	if c.High, err = binanceDecimal(row[2]); err != nil {
		return c, err
	}
	if c.Low, err = binanceDecimal(row[3]); err != nil {
		return c, err
	}
	if c.Close, err = binanceDecimal(row[4]); err != nil {
		return c, err
	}
	if c.Volume, err = binanceDecimal(row[5]); err != nil {
		return c, err
	}
	// Historical klines describe fully elapsed intervals.
	c.Closed = true
	return c, nil
}

func binanceDecimal(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Decimal{}, errors.New("unexpected binance kline price type")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "decode binance price")
	}
	return d, nil
}

// StreamHistoricalTrades pages through the aggTrades REST endpoint: the
// first page by time window, the rest by aggregate trade id.
func (b *Binance) StreamHistoricalTrades(ctx context.Context, symbol string, start, end int64, fn func(market.Trade) error) error {
	var (
		fromID    int64 = -1
		pageStart       = start
	)
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		q := url.Values{}
		q.Set("symbol", binanceHTTPSymbol(symbol))
		q.Set("limit", strconv.Itoa(binanceMaxTrades))
		if fromID < 0 {
			windowEnd := pageStart + binanceTradeWindowMS - 1
			if windowEnd > end-1 {
				windowEnd = end - 1
			}
			q.Set("startTime", strconv.FormatInt(pageStart, 10))
			q.Set("endTime", strconv.FormatInt(windowEnd, 10))
		} else {
			q.Set("fromId", strconv.FormatInt(fromID, 10))
		}

		var rows []struct {
			ID    int64  `json:"a"`
			Price string `json:"p"`
			Qty   string `json:"q"`
			Time  int64  `json:"T"`
		}
		if err := b.getJSON(ctx, config.BinanceRESTBaseURL+"aggTrades?"+q.Encode(), &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			if fromID < 0 {
				// Empty time window; move past it.
				pageStart += binanceTradeWindowMS
				if pageStart >= end {
					return nil
				}
				continue
			}
			return nil
		}
		for _, row := range rows {
			if row.Time >= end {
				return nil
			}
			if row.Time < start {
				continue
			}
			price, err := decimal.NewFromString(row.Price)
			if err != nil {
				return errors.Wrap(err, "decode binance trade price")
			}
			size, err := decimal.NewFromString(row.Qty)
			if err != nil {
				return errors.Wrap(err, "decode binance trade size")
			}
			if err := fn(market.Trade{ID: row.ID, Time: row.Time, Price: price, Size: size}); err != nil {
				return err
			}
		}
		fromID = rows[len(rows)-1].ID + 1
		if len(rows) < binanceMaxTrades && fromID > 0 && rows[len(rows)-1].Time >= end-1 {
			return nil
		}
	}
}

func (b *Binance) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := b.rest.Request(ctx, "GET", rawURL)
	if err != nil {
		return err
	}
	resp, err := b.rest.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == 429 || resp.StatusCode == 418 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Transient(errors.Errorf("binance returned status %v", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("binance returned status %v", resp.StatusCode)
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(errors.Wrap(err, "decode binance response"))
	}
	return nil
}

type binanceCandleSub struct {
	ws       connector.Websocket
	interval int64
}

type binanceTradeSub struct {
	ws connector.Websocket
}

// ConnectCandleStream opens the kline websocket stream for the symbol.
func (b *Binance) ConnectCandleStream(ctx context.Context, symbol string, interval int64) (CandleSub, error) {
	stream := binanceWsSymbol(symbol) + "@kline_" + timeutil.FormatInterval(interval)
	ws, err := b.connectWs(ctx, stream)
	if err != nil {
		return nil, err
	}
	return &binanceCandleSub{ws: ws, interval: interval}, nil
}

// ConnectTradeStream opens the aggTrade websocket stream for the symbol.
func (b *Binance) ConnectTradeStream(ctx context.Context, symbol string) (TradeSub, error) {
	stream := binanceWsSymbol(symbol) + "@aggTrade"
	ws, err := b.connectWs(ctx, stream)
	if err != nil {
		return nil, err
	}
	return &binanceTradeSub{ws: ws}, nil
}

func (b *Binance) connectWs(ctx context.Context, stream string) (connector.Websocket, error) {
	ws, err := connector.NewWebsocket(ctx, b.wsCfg, config.BinanceWebsocketURL+"/"+stream)
	if err != nil {
		return connector.Websocket{}, Transient(err)
	}
	log.Info().Str("exchange", "binance").Str("stream", stream).Msg("websocket connected")
	// Closing on ctx done unblocks any in-flight read.
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	return ws, nil
}

type binanceWsKline struct {
	Event string `json:"e"`
	Kline struct {
		Start  int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Final  bool   `json:"x"`
	} `json:"k"`
}

func (s *binanceCandleSub) Recv(ctx context.Context) (market.Candle, error) {
	for {
		frame, err := s.ws.Read()
		if err != nil {
			return market.Candle{}, wsReadErr(ctx, err)
		}
		if len(frame) == 0 {
			continue
		}
		var wk binanceWsKline
		if err := jsoniter.Unmarshal(frame, &wk); err != nil {
			return market.Candle{}, Transient(errors.Wrap(err, "decode binance kline frame"))
		}
		if wk.Event != "kline" {
			continue
		}
		c := market.Candle{Time: wk.Kline.Start, Closed: wk.Kline.Final}
		if c.Open, err = decimal.NewFromString(wk.Kline.Open); err != nil {
			return market.Candle{}, errors.Wrap(err, "decode binance kline open")
		}
		if c.High, err = decimal.NewFromString(wk.Kline.High); err != nil {
			return market.Candle{}, errors.Wrap(err, "decode binance kline high")
		}
		if c.Low, err = decimal.NewFromString(wk.Kline.Low); err != nil {
			return market.Candle{}, errors.Wrap(err, "decode binance kline low")
		}
		if c.Close, err = decimal.NewFromString(wk.Kline.Close); err != nil {
			return market.Candle{}, errors.Wrap(err, "decode binance kline close")
		}
		if c.Volume, err = decimal.NewFromString(wk.Kline.Volume); err != nil {
			return market.Candle{}, errors.Wrap(err, "decode binance kline volume")
		}
		return c, nil
	}
}

func (s *binanceCandleSub) Close() error {
	return s.ws.Close()
}

type binanceWsTrade struct {
	Event string `json:"e"`
	ID    int64  `json:"a"`
	Price string `json:"p"`
	Qty   string `json:"q"`
	Time  int64  `json:"T"`

	// This field value is not used but still need to present
	// because otherwise json decoder does case-insensitive match with "m" and "M".
	IsBestMatch bool `json:"M"`
}

func (s *binanceTradeSub) Recv(ctx context.Context) (market.Trade, error) {
	for {
		frame, err := s.ws.Read()
		if err != nil {
			return market.Trade{}, wsReadErr(ctx, err)
		}
		if len(frame) == 0 {
			continue
		}
		var wt binanceWsTrade
		if err := jsoniter.Unmarshal(frame, &wt); err != nil {
			return market.Trade{}, Transient(errors.Wrap(err, "decode binance trade frame"))
		}
		if wt.Event != "aggTrade" {
			continue
		}
		price, err := decimal.NewFromString(wt.Price)
		if err != nil {
			return market.Trade{}, errors.Wrap(err, "decode binance trade price")
		}
		size, err := decimal.NewFromString(wt.Qty)
		if err != nil {
			return market.Trade{}, errors.Wrap(err, "decode binance trade size")
		}
		return market.Trade{ID: wt.ID, Time: wt.Time, Price: price, Size: size}, nil
	}
}

func (s *binanceTradeSub) Close() error {
	return s.ws.Close()
}

func wsReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return Transient(errors.New("websocket connection closed"))
	}
	if err == io.EOF {
		return Transient(errors.Wrap(err, "connection close by exchange server"))
	}
	return Transient(err)
}
