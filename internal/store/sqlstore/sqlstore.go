// Package sqlstore keeps the durable tier in a relational database. It runs
// on postgres (lib/pq) and sqlite (go-sqlite3) with one schema.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS md_records (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    source TEXT NOT NULL,
    fetched_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_md_records_expires ON md_records(expires_at);

CREATE TABLE IF NOT EXISTS md_bars (
    series TEXT NOT NULL,
    ts BIGINT NOT NULL,
    open TEXT NOT NULL,
    high TEXT NOT NULL,
    low TEXT NOT NULL,
    close TEXT NOT NULL,
    volume BIGINT NOT NULL,
    vwap TEXT,
    source TEXT NOT NULL,
    PRIMARY KEY (series, ts)
);
`

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects with driver "postgres" or "sqlite3" and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, driver: driver}, nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	var (
		rec              store.Record
		value            string
		fetched, expires int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value, source, fetched_at, expires_at FROM md_records WHERE key = ?`), key).
		Scan(&value, &rec.Source, &fetched, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	rec.Value = []byte(value)
	rec.FetchedAt = time.UnixMilli(fetched).UTC()
	rec.ExpiresAt = time.UnixMilli(expires).UTC()
	return rec, nil
}

func (s *Store) Set(ctx context.Context, key string, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO md_records (key, value, source, fetched_at, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    value = excluded.value,
    source = excluded.source,
    fetched_at = excluded.fetched_at,
    expires_at = excluded.expires_at
WHERE md_records.fetched_at <= excluded.fetched_at`),
		key, string(rec.Value), rec.Source, rec.FetchedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutBars(ctx context.Context, series store.SeriesKey, bars []provider.Bar, source string) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put bars %s: %w", series, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO md_bars (series, ts, open, high, low, close, volume, vwap, source) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (series, ts) DO UPDATE SET
    open = excluded.open,
    high = excluded.high,
    low = excluded.low,
    close = excluded.close,
    volume = excluded.volume,
    vwap = excluded.vwap,
    source = excluded.source`))
	if err != nil {
		return fmt.Errorf("put bars %s: %w", series, err)
	}
	defer stmt.Close()

	name := series.String()
	for _, b := range bars {
		var vwap sql.NullString
		if b.VWAP != nil {
			vwap = sql.NullString{String: b.VWAP.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, name, b.Timestamp.UnixMilli(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume, vwap, source); err != nil {
			return fmt.Errorf("put bars %s: %w", series, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put bars %s: %w", series, err)
	}
	return nil
}

func (s *Store) QueryBars(ctx context.Context, series store.SeriesKey, from, to time.Time) ([]provider.Bar, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT ts, open, high, low, close, volume, vwap FROM md_bars
WHERE series = ? AND ts >= ? AND ts <= ?
ORDER BY ts ASC`), series.String(), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", series, err)
	}
	defer rows.Close()

	var out []provider.Bar
	for rows.Next() {
		var (
			ts             int64
			op, hi, lo, cl string
			vwap           sql.NullString
			b              provider.Bar
		)
		if err := rows.Scan(&ts, &op, &hi, &lo, &cl, &b.Volume, &vwap); err != nil {
			return nil, fmt.Errorf("query bars %s: %w", series, err)
		}
		b.Timestamp = time.UnixMilli(ts).UTC()
		var errs [4]error
		b.Open, errs[0] = decimal.NewFromString(op)
		b.High, errs[1] = decimal.NewFromString(hi)
		b.Low, errs[2] = decimal.NewFromString(lo)
		b.Close, errs[3] = decimal.NewFromString(cl)
		if err := errors.Join(errs[:]...); err != nil {
			return nil, fmt.Errorf("query bars %s: corrupt row at %d: %w", series, ts, err)
		}
		if vwap.Valid {
			v, err := decimal.NewFromString(vwap.String)
			if err == nil {
				b.VWAP = &v
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM md_records WHERE expires_at <= ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
