package market

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Candle represents trading activity over one fixed interval of a market.
// Time is the interval start in epoch milliseconds. Prices and volume are
// fixed-point decimals as reported by the exchange. Closed tells whether the
// interval has fully elapsed; only closed candles are ever persisted.
type Candle struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Closed bool            `json:"closed"`
}

func (c Candle) String() string {
	return fmt.Sprintf("candle(time=%v open=%v high=%v low=%v close=%v volume=%v closed=%v)",
		c.Time, c.Open, c.High, c.Low, c.Close, c.Volume, c.Closed)
}

// Trade is a single trade print. ID is the exchange-assigned sequence number,
// zero when the exchange does not provide one. Multiple trades can share the
// same timestamp.
type Trade struct {
	ID    int64           `json:"id"`
	Time  int64           `json:"time"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Span is a half-open [Start, End) time range known to be fully persisted
// for a shard: every record in the range that exists is in local storage.
type Span struct {
	Start int64
	End   int64
}

func (s Span) String() string {
	return fmt.Sprintf("[%v, %v)", s.Start, s.End)
}

// CandleShard builds the storage partition key for one candle time series.
func CandleShard(exchange, symbol string, interval int64) string {
	return key(exchange, symbol, strconv.FormatInt(interval, 10))
}

// TradeShard builds the storage partition key for one trade time series.
func TradeShard(exchange, symbol string) string {
	return key(exchange, symbol)
}

func key(parts ...string) string {
	return strings.Join(parts, "_")
}
