package main

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/rs/zerolog/log"
)

// This function will query all the exchanges for market info and store it in a csv file.
// Users can look up to this csv file to give the symbol in the app configuration.
// CSV file created at ./examples/markets.csv.
func main() {
	f, err := os.Create("./examples/markets.csv")
	if err != nil {
		log.Error().Err(err).Msg("csv file create")
		return
	}
	w := csv.NewWriter(f)
	defer w.Flush()
	defer f.Close()

	// Binance exchange.
	resp, err := http.Get(config.BinanceRESTBaseURL + "exchangeInfo")
	if err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("exchange request for markets")
		return
	}
	binanceMarkets := binanceResp{}
	if err = jsoniter.NewDecoder(resp.Body).Decode(&binanceMarkets); err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("convert markets response")
		return
	}
	resp.Body.Close()
	for _, record := range binanceMarkets.Symbols {
		if record.Status != "TRADING" {
			continue
		}
		symbol := strings.ToLower(record.BaseAsset) + "-" + strings.ToLower(record.QuoteAsset)
		if err = w.Write([]string{"binance", symbol}); err != nil {
			log.Error().Err(err).Str("exchange", "binance").Msg("writing markets to csv")
			return
		}
	}

	// Coinbase exchange.
	resp, err = http.Get(config.CoinbaseRESTBaseURL + "products")
	if err != nil {
		log.Error().Err(err).Str("exchange", "coinbase").Msg("exchange request for markets")
		return
	}
	coinbaseMarkets := []coinbaseResp{}
	if err = jsoniter.NewDecoder(resp.Body).Decode(&coinbaseMarkets); err != nil {
		log.Error().Err(err).Str("exchange", "coinbase").Msg("convert markets response")
		return
	}
	resp.Body.Close()
	for _, record := range coinbaseMarkets {
		if err = w.Write([]string{"coinbase", strings.ToLower(record.ID)}); err != nil {
			log.Error().Err(err).Str("exchange", "coinbase").Msg("writing markets to csv")
			return
		}
	}

	fmt.Println("CSV file generated successfully at ./examples/markets.csv")
}

type binanceResp struct {
	Symbols []binanceRespRes `json:"symbols"`
}
type binanceRespRes struct {
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type coinbaseResp struct {
	ID string `json:"id"`
}
