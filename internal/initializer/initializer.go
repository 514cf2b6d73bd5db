package initializer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/connector"
	"github.com/milkywaybrain/candlesync/internal/exchange"
	"github.com/milkywaybrain/candlesync/internal/series"
	"github.com/milkywaybrain/candlesync/internal/storage"
	"github.com/milkywaybrain/candlesync/internal/timeutil"
)

// Start will initialize various required systems and then execute the app.
func Start(mainCtx context.Context, cfg *config.Config) error {

	// Setting up logger.
	// If the path given in the config for logging ends with .log then create a log file with the same name and
	// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the
	// given path. With no path configured, log to stderr.
	if cfg.Log.FilePath != "" {
		var (
			logFile *os.File
			err     error
		)
		if strings.HasSuffix(cfg.Log.FilePath, ".log") {
			logFile, err = os.OpenFile(cfg.Log.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
			if err != nil {
				return fmt.Errorf("not able to open or create log file: %v", cfg.Log.FilePath)
			}
		} else {
			logFile, err = os.Create(cfg.Log.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log")
			if err != nil {
				return fmt.Errorf("not able to create log file: %v", cfg.Log.FilePath+"_"+strconv.Itoa(int(time.Now().Unix()))+".log")
			}
		}
		defer logFile.Close()
		log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Log.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Info().Msg("logger setup is done")

	// Establish connections to the local store and the optional elastic
	// search mirror.
	sqlStore, err := storage.NewSQL(&cfg.Storage)
	if err != nil {
		err = errors.Wrap(err, "sql storage connection")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	defer sqlStore.Close()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("sql storage connected")

	var store storage.Store = sqlStore
	if len(cfg.ES.Addresses) > 0 {
		es, err := storage.NewElasticSearch(&cfg.ES)
		if err != nil {
			err = errors.Wrap(err, "elastic search connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		store = storage.NewMirrored(sqlStore, es)
		log.Info().Msg("elastic search connected")
	}

	rest := connector.NewREST(&cfg.Connection.REST)

	// Start all sync jobs. If any job fails after retry, force all the
	// other jobs to stop and exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	for _, exch := range cfg.Exchanges {
		// Rate limit is per exchange, shared by all of its jobs.
		limiter := connector.NewLimiter(cfg.Connection.REST.RatePerSec, cfg.Connection.REST.RateBurst)
		var feed exchange.Feed
		switch exch.Name {
		case "binance":
			feed = exchange.NewBinance(rest, &cfg.Connection.WS, limiter)
		case "coinbase":
			feed = exchange.NewCoinbase(rest, &cfg.Connection.WS, limiter)
		default:
			err = errors.Errorf("unknown exchange: %v", exch.Name)
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		opts := series.Options{
			BatchSize:     cfg.Storage.BatchSize,
			RetryAttempts: exch.Retry.Number,
			RetryResetSec: exch.Retry.ResetSec,
		}
		trades := series.NewTrades(store, []exchange.Feed{feed}, opts)
		candles := series.NewCandles(store, []exchange.Feed{feed}, trades, opts)

		for _, job := range exch.Jobs {
			exchName := exch.Name
			job := job
			switch job.Channel {
			case "candle":
				interval, err := timeutil.ParseInterval(job.Interval)
				if err != nil {
					err = errors.Wrapf(err, "job %v %v", exchName, job.Symbol)
					log.Error().Stack().Err(errors.WithStack(err)).Msg("")
					return err
				}
				appErrGroup.Go(func() error {
					return syncCandles(appCtx, candles, exchName, job, interval)
				})
			case "trade":
				appErrGroup.Go(func() error {
					return syncTrades(appCtx, trades, exchName, job)
				})
			default:
				err = errors.Errorf("unknown channel %v for exchange %v", job.Channel, exch.Name)
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				return err
			}
		}
	}

	err = appErrGroup.Wait()
	if err != nil {
		log.Error().Msg("exiting the app")
		return err
	}
	return nil
}

// syncCandles drains one candle sync job. Persistence happens inside the
// stream; draining just drives it.
func syncCandles(ctx context.Context, candles *series.Candles, exchName string, job config.Job, interval int64) error {
	st := candles.Stream(ctx, series.CandleRequest{
		Exchange: exchName,
		Symbol:   job.Symbol,
		Interval: interval,
		Start:    job.Start,
		End:      job.End,
		Closed:   true,
	})
	var count int
	for range st.C {
		count++
	}
	if err := st.Err(); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("exchange", exchName).Str("symbol", job.Symbol).Msg("candle sync failed")
		return err
	}
	log.Info().Str("exchange", exchName).Str("symbol", job.Symbol).Int("count", count).Msg("candle sync done")
	return nil
}

// syncTrades drains one trade sync job.
func syncTrades(ctx context.Context, trades *series.Trades, exchName string, job config.Job) error {
	st := trades.Stream(ctx, exchName, job.Symbol, job.Start, job.End)
	var count int
	for range st.C {
		count++
	}
	if err := st.Err(); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("exchange", exchName).Str("symbol", job.Symbol).Msg("trade sync failed")
		return err
	}
	log.Info().Str("exchange", exchName).Str("symbol", job.Symbol).Int("count", count).Msg("trade sync done")
	return nil
}
