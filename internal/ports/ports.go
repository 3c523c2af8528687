package ports

import (
	"context"
	"time"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// PriceAPI is the upstream pricing service. Every call is externally
// rate-limited; callers must hold the shared token bucket before dialing.
type PriceAPI interface {
	// Aggregates returns daily bars for [from, to], oldest first.
	Aggregates(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
	// DailyClose returns the official close for one day.
	DailyClose(ctx context.Context, symbol string, day time.Time) (float64, error)
	// TickerDetails returns reference data (shares outstanding, branding).
	TickerDetails(ctx context.Context, symbol string) (domain.TickerDetails, error)
}

// TickerRepo is the durable relational store. Writes are per-row upserts;
// cross-row atomicity is deliberately not offered, the auditor recomputes.
type TickerRepo interface {
	ListTickers(ctx context.Context) ([]domain.Ticker, error)
	UpsertDailyRef(ctx context.Context, ref domain.DailyRef) error
	UpdatePrevClose(ctx context.Context, symbol string, close float64, day time.Time) error
	UpdateShares(ctx context.Context, symbol string, shares float64) error
	UpdateLogo(ctx context.Context, symbol, url string) error
	UpdateLastQuote(ctx context.Context, rec domain.RankRecord) error
}

// TickSource produces rank records until ctx is done. The channel is
// closed by the source.
type TickSource interface {
	Name() string
	Start(ctx context.Context) <-chan domain.RankRecord
}
