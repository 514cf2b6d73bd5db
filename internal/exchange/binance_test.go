package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

func TestBinanceSymbols(t *testing.T) {
	assert.Equal(t, "ETHBTC", binanceHTTPSymbol("eth-btc"))
	assert.Equal(t, "ethbtc", binanceWsSymbol("eth-btc"))
}

func TestBinanceCandleFromRow(t *testing.T) {
	row := []interface{}{
		float64(1626825600000),
		"0.01", "0.02", "0.005", "0.015", "123.45",
		float64(1626825659999), "1.5", float64(10), "60", "0.8", "0",
	}
	c, err := binanceCandleFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, int64(1626825600000), c.Time)
	assert.Equal(t, "0.01", c.Open.String())
	assert.Equal(t, "0.02", c.High.String())
	assert.Equal(t, "0.005", c.Low.String())
	assert.Equal(t, "0.015", c.Close.String())
	assert.Equal(t, "123.45", c.Volume.String())
	assert.True(t, c.Closed)

	bad := []interface{}{"not a timestamp", "0.01", "0.02", "0.005", "0.015", "123.45", float64(0)}
	_, err = binanceCandleFromRow(bad)
	assert.Error(t, err)
}

func TestBinanceIntervalOffsets(t *testing.T) {
	b := &Binance{}
	intervals := b.CandleIntervals()
	// Weekly candles open on Monday.
	assert.Equal(t, 4*timeutil.DayMS, intervals[timeutil.WeekMS])
	assert.Equal(t, int64(0), intervals[timeutil.MinMS])
	assert.Equal(t, int64(0), intervals[timeutil.DayMS])
}
