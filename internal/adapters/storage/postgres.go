// Package storage is the durable Postgres adapter behind the ticker
// repository port.
package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(ctx context.Context, dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *PostgresRepo) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Migrate creates the schema when it does not exist yet. Derived columns
// are nullable so a stored zero stays distinguishable from "never
// computed".
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS tickers (
			symbol                TEXT PRIMARY KEY,
			sector                TEXT NOT NULL DEFAULT '',
			industry              TEXT NOT NULL DEFAULT '',
			shares_outstanding    DOUBLE PRECISION NOT NULL DEFAULT 0,
			logo_url              TEXT NOT NULL DEFAULT '',
			latest_prev_close     DOUBLE PRECISION NOT NULL DEFAULT 0,
			latest_prev_close_date DATE,
			last_price            DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_change_pct       DOUBLE PRECISION,
			last_market_cap       DOUBLE PRECISION,
			last_market_cap_diff  DOUBLE PRECISION,
			last_price_updated    TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS daily_refs (
			symbol         TEXT NOT NULL,
			ref_date       DATE NOT NULL,
			previous_close DOUBLE PRECISION NOT NULL,
			regular_close  DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (symbol, ref_date)
		);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *PostgresRepo) ListTickers(ctx context.Context) ([]domain.Ticker, error) {
	const q = `
		SELECT symbol, sector, industry, shares_outstanding, logo_url,
		       latest_prev_close, latest_prev_close_date, last_price,
		       last_change_pct, last_market_cap, last_market_cap_diff,
		       last_price_updated
		FROM tickers
		ORDER BY symbol
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Ticker
	for rows.Next() {
		var (
			t        domain.Ticker
			prevDate sql.NullTime
			chg      sql.NullFloat64
			mcap     sql.NullFloat64
			capDiff  sql.NullFloat64
			updated  sql.NullTime
		)
		if err := rows.Scan(&t.Symbol, &t.Sector, &t.Industry, &t.SharesOutstanding,
			&t.LogoURL, &t.LatestPrevClose, &prevDate, &t.LastPrice,
			&chg, &mcap, &capDiff, &updated); err != nil {
			return nil, err
		}
		if prevDate.Valid {
			t.LatestPrevCloseDate = prevDate.Time
		}
		if chg.Valid {
			v := chg.Float64
			t.LastChangePct = &v
		}
		if mcap.Valid {
			v := mcap.Float64
			t.LastMarketCap = &v
		}
		if capDiff.Valid {
			v := capDiff.Float64
			t.LastMarketCapDiff = &v
		}
		if updated.Valid {
			t.LastPriceUpdated = updated.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) UpsertDailyRef(ctx context.Context, ref domain.DailyRef) error {
	const q = `
		INSERT INTO daily_refs (symbol, ref_date, previous_close, regular_close, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (symbol, ref_date) DO UPDATE
		SET previous_close = EXCLUDED.previous_close,
		    regular_close  = EXCLUDED.regular_close,
		    updated_at     = now()
	`
	_, err := r.db.ExecContext(ctx, q, ref.Symbol, ref.Date, ref.PreviousClose, ref.RegularClose)
	return err
}

func (r *PostgresRepo) UpdatePrevClose(ctx context.Context, symbol string, close float64, day time.Time) error {
	const q = `
		INSERT INTO tickers (symbol, latest_prev_close, latest_prev_close_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE
		SET latest_prev_close      = EXCLUDED.latest_prev_close,
		    latest_prev_close_date = EXCLUDED.latest_prev_close_date
	`
	_, err := r.db.ExecContext(ctx, q, symbol, close, day)
	return err
}

func (r *PostgresRepo) UpdateShares(ctx context.Context, symbol string, shares float64) error {
	const q = `UPDATE tickers SET shares_outstanding = $2 WHERE symbol = $1`
	_, err := r.db.ExecContext(ctx, q, symbol, shares)
	return err
}

func (r *PostgresRepo) UpdateLogo(ctx context.Context, symbol, url string) error {
	const q = `UPDATE tickers SET logo_url = $2 WHERE symbol = $1`
	_, err := r.db.ExecContext(ctx, q, symbol, url)
	return err
}

// UpdateLastQuote writes the latest observed quote and its derived
// fields. Optional inputs come through as nil and store as NULL.
func (r *PostgresRepo) UpdateLastQuote(ctx context.Context, rec domain.RankRecord) error {
	const q = `
		INSERT INTO tickers (symbol, last_price, last_change_pct, last_market_cap, last_market_cap_diff, last_price_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE
		SET last_price           = EXCLUDED.last_price,
		    last_change_pct      = EXCLUDED.last_change_pct,
		    last_market_cap      = EXCLUDED.last_market_cap,
		    last_market_cap_diff = EXCLUDED.last_market_cap_diff,
		    last_price_updated   = EXCLUDED.last_price_updated
	`
	updated := rec.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q, rec.Symbol, rec.Price,
		nullFloat(rec.ChangePct, true),
		nullFloat(rec.MarketCap, rec.MarketCap > 0),
		nullFloat(rec.MarketCapDiff, rec.MarketCap > 0),
		updated)
	return err
}

func nullFloat(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}
