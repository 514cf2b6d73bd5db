package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/milkywaybrain/candlesync/internal/config"
	"github.com/milkywaybrain/candlesync/internal/market"
)

// SQL is a Store backed by a relational database. The default driver is the
// cgo-free sqlite; mysql is supported through the same schema for setups
// where the archive is shared between machines.
type SQL struct {
	DB  *sql.DB
	Cfg *config.Storage
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS candle (
		shard  TEXT NOT NULL,
		time   INTEGER NOT NULL,
		open   TEXT NOT NULL,
		high   TEXT NOT NULL,
		low    TEXT NOT NULL,
		close  TEXT NOT NULL,
		volume TEXT NOT NULL,
		PRIMARY KEY (shard, time)
	);`,
	`CREATE TABLE IF NOT EXISTS trade (
		seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		shard    TEXT NOT NULL,
		trade_id INTEGER NOT NULL,
		time     INTEGER NOT NULL,
		price    TEXT NOT NULL,
		size     TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS trade_shard_time ON trade (shard, time);`,
	`CREATE TABLE IF NOT EXISTS span (
		shard      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time   INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS span_shard_kind ON span (shard, kind, start_time);`,
	`CREATE TABLE IF NOT EXISTS kv (
		shard TEXT NOT NULL,
		k     TEXT NOT NULL,
		v     TEXT NOT NULL,
		PRIMARY KEY (shard, k)
	);`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS candle (
		shard  VARCHAR(191) NOT NULL,
		time   BIGINT NOT NULL,
		open   VARCHAR(64) NOT NULL,
		high   VARCHAR(64) NOT NULL,
		low    VARCHAR(64) NOT NULL,
		close  VARCHAR(64) NOT NULL,
		volume VARCHAR(64) NOT NULL,
		PRIMARY KEY (shard, time)
	);`,
	`CREATE TABLE IF NOT EXISTS trade (
		seq      BIGINT AUTO_INCREMENT PRIMARY KEY,
		shard    VARCHAR(191) NOT NULL,
		trade_id BIGINT NOT NULL,
		time     BIGINT NOT NULL,
		price    VARCHAR(64) NOT NULL,
		size     VARCHAR(64) NOT NULL,
		INDEX trade_shard_time (shard, time)
	);`,
	`CREATE TABLE IF NOT EXISTS span (
		shard      VARCHAR(191) NOT NULL,
		kind       VARCHAR(16) NOT NULL,
		start_time BIGINT NOT NULL,
		end_time   BIGINT NOT NULL,
		INDEX span_shard_kind (shard, kind, start_time)
	);`,
	`CREATE TABLE IF NOT EXISTS kv (
		shard VARCHAR(191) NOT NULL,
		k     VARCHAR(64) NOT NULL,
		v     TEXT NOT NULL,
		PRIMARY KEY (shard, k)
	);`,
}

// NewSQL opens the configured database and ensures the schema.
func NewSQL(cfg *config.Storage) (*SQL, error) {
	var (
		driver string
		dsn    string
		schema []string
	)
	switch cfg.Driver {
	case "", "sqlite":
		driver = "sqlite"
		dsn = cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		schema = sqliteSchema
	case "mysql":
		driver = "mysql"
		dsn = cfg.DSN
		schema = mysqlSchema
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := &SQL{DB: db, Cfg: cfg}
	ctx, cancel := s.reqCtx(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "ensure schema")
		}
	}
	return s, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.DB.Close()
}

func (s *SQL) reqCtx(appCtx context.Context) (context.Context, context.CancelFunc) {
	if s.Cfg.ReqTimeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(s.Cfg.ReqTimeoutSec)*time.Second)
	}
	return context.WithCancel(appCtx)
}

// ScanSpans returns spans intersecting [start, end), clipped, merged and
// ordered by start.
func (s *SQL) ScanSpans(appCtx context.Context, shard string, kind Kind, start, end int64) ([]market.Span, error) {
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT start_time, end_time FROM span
		WHERE shard = ? AND kind = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time`, shard, string(kind), end, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var spans []market.Span
	for rows.Next() {
		var sp market.Span
		if err := rows.Scan(&sp.Start, &sp.End); err != nil {
			return nil, err
		}
		if sp.Start < start {
			sp.Start = start
		}
		if sp.End > end {
			sp.End = end
		}
		if n := len(spans); n > 0 && sp.Start <= spans[n-1].End {
			if sp.End > spans[n-1].End {
				spans[n-1].End = sp.End
			}
			continue
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// ScanCandles calls fn for every stored candle in [start, end), time order.
// Stored candles are always closed.
func (s *SQL) ScanCandles(appCtx context.Context, shard string, start, end int64, fn func(market.Candle) error) error {
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume FROM candle
		WHERE shard = ? AND time >= ? AND time < ?
		ORDER BY time`, shard, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c                      market.Candle
			open, high, low, klose string
			volume                 string
		)
		if err := rows.Scan(&c.Time, &open, &high, &low, &klose, &volume); err != nil {
			return err
		}
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return errors.Wrap(err, "decode candle open")
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return errors.Wrap(err, "decode candle high")
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return errors.Wrap(err, "decode candle low")
		}
		if c.Close, err = decimal.NewFromString(klose); err != nil {
			return errors.Wrap(err, "decode candle close")
		}
		if c.Volume, err = decimal.NewFromString(volume); err != nil {
			return errors.Wrap(err, "decode candle volume")
		}
		c.Closed = true
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ScanTrades calls fn for every stored trade in [start, end), in time then
// insertion order.
func (s *SQL) ScanTrades(appCtx context.Context, shard string, start, end int64, fn func(market.Trade) error) error {
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT trade_id, time, price, size FROM trade
		WHERE shard = ? AND time >= ? AND time < ?
		ORDER BY time, seq`, shard, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t           market.Trade
			price, size string
		)
		if err := rows.Scan(&t.ID, &t.Time, &price, &size); err != nil {
			return err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return errors.Wrap(err, "decode trade price")
		}
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return errors.Wrap(err, "decode trade size")
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CommitCandles stores a candle batch and its span in one transaction.
func (s *SQL) CommitCandles(appCtx context.Context, shard string, candles []market.Candle, start, end int64) error {
	if len(candles) > 0 {
		if start > candles[0].Time || end <= candles[len(candles)-1].Time {
			return errors.Wrapf(ErrIntegrity, "span %v does not cover candle batch %v - %v",
				market.Span{Start: start, End: end}, candles[0].Time, candles[len(candles)-1].Time)
		}
	}
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if len(candles) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candle (shard, time, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range candles {
			_, err := stmt.ExecContext(ctx, shard, c.Time,
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
			if err != nil {
				if isDuplicate(err) {
					return errors.Wrapf(ErrIntegrity, "candle %v already stored for %v", c.Time, shard)
				}
				return err
			}
		}
	}
	if err := mergeSpan(ctx, tx, shard, KindCandle, start, end); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitTrades stores a trade batch and its span in one transaction.
func (s *SQL) CommitTrades(appCtx context.Context, shard string, trades []market.Trade, start, end int64) error {
	if len(trades) > 0 {
		if start > trades[0].Time || end <= trades[len(trades)-1].Time {
			return errors.Wrapf(ErrIntegrity, "span %v does not cover trade batch %v - %v",
				market.Span{Start: start, End: end}, trades[0].Time, trades[len(trades)-1].Time)
		}
	}
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if len(trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trade (shard, trade_id, time, price, size)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range trades {
			_, err := stmt.ExecContext(ctx, shard, t.ID, t.Time, t.Price.String(), t.Size.String())
			if err != nil {
				return err
			}
		}
	}
	if err := mergeSpan(ctx, tx, shard, KindTrade, start, end); err != nil {
		return err
	}
	return tx.Commit()
}

// mergeSpan folds the new span into any stored spans it overlaps or touches,
// so the span table stays small and non-overlapping.
func mergeSpan(ctx context.Context, tx *sql.Tx, shard string, kind Kind, start, end int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT start_time, end_time FROM span
		WHERE shard = ? AND kind = ? AND start_time <= ? AND end_time >= ?`,
		shard, string(kind), end, start)
	if err != nil {
		return err
	}
	for rows.Next() {
		var s, e int64
		if err := rows.Scan(&s, &e); err != nil {
			rows.Close()
			return err
		}
		if s < start {
			start = s
		}
		if e > end {
			end = e
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM span
		WHERE shard = ? AND kind = ? AND start_time <= ? AND end_time >= ?`,
		shard, string(kind), end, start)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO span (shard, kind, start_time, end_time) VALUES (?, ?, ?, ?)`,
		shard, string(kind), start, end)
	return err
}

// GetCandle reads a memoized candle by key.
func (s *SQL) GetCandle(appCtx context.Context, shard, key string) (market.Candle, bool, error) {
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT v FROM kv WHERE shard = ? AND k = ?`, shard, key).Scan(&v)
	if err == sql.ErrNoRows {
		return market.Candle{}, false, nil
	}
	if err != nil {
		return market.Candle{}, false, err
	}
	var c market.Candle
	if err := jsoniter.UnmarshalFromString(v, &c); err != nil {
		return market.Candle{}, false, errors.Wrap(err, "decode cached candle")
	}
	return c, true, nil
}

// SetCandle memoizes a candle by key, replacing any previous value.
func (s *SQL) SetCandle(appCtx context.Context, shard, key string, candle market.Candle) error {
	v, err := jsoniter.MarshalToString(candle)
	if err != nil {
		return err
	}
	ctx, cancel := s.reqCtx(appCtx)
	defer cancel()
	_, err = s.DB.ExecContext(ctx, `
		DELETE FROM kv WHERE shard = ? AND k = ?`, shard, key)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO kv (shard, k, v) VALUES (?, ?, ?)`, shard, key, v)
	return err
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
