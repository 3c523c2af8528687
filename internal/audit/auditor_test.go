package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/classify"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// Thursday noon New York time; the expected reference day is Wednesday
// 2025-08-27.
var auditNow = time.Date(2025, time.August, 28, 16, 0, 0, 0, time.UTC)

var refDay = time.Date(2025, time.August, 27, 12, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }

type stubRepo struct {
	mu       sync.Mutex
	tickers  []domain.Ticker
	listErr  error
	logos    map[string]string
	shares   map[string]float64
	logoErr  error
	shareErr error
}

func (s *stubRepo) ListTickers(ctx context.Context) ([]domain.Ticker, error) {
	return s.tickers, s.listErr
}

func (s *stubRepo) UpsertDailyRef(ctx context.Context, ref domain.DailyRef) error { return nil }

func (s *stubRepo) UpdatePrevClose(ctx context.Context, symbol string, close float64, day time.Time) error {
	return nil
}

func (s *stubRepo) UpdateShares(ctx context.Context, symbol string, shares float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shareErr != nil {
		return s.shareErr
	}
	if s.shares == nil {
		s.shares = make(map[string]float64)
	}
	s.shares[symbol] = shares
	return nil
}

func (s *stubRepo) UpdateLogo(ctx context.Context, symbol, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logoErr != nil {
		return s.logoErr
	}
	if s.logos == nil {
		s.logos = make(map[string]string)
	}
	s.logos[symbol] = url
	return nil
}

func (s *stubRepo) UpdateLastQuote(ctx context.Context, rec domain.RankRecord) error { return nil }

type stubAPI struct {
	mu      sync.Mutex
	shares  map[string]float64
	details int
}

func (s *stubAPI) Aggregates(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAPI) DailyClose(ctx context.Context, symbol string, day time.Time) (float64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubAPI) TickerDetails(ctx context.Context, symbol string) (domain.TickerDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details++
	v, ok := s.shares[symbol]
	if !ok {
		return domain.TickerDetails{}, errors.New("404")
	}
	return domain.TickerDetails{Symbol: symbol, SharesOutstanding: v}, nil
}

// healthy returns a ticker that passes every check.
func healthy(symbol string) domain.Ticker {
	return domain.Ticker{
		Symbol:              symbol,
		Sector:              "Technology",
		Industry:            "Semiconductors",
		SharesOutstanding:   10,
		LogoURL:             classify.FallbackLogoURL(symbol),
		LatestPrevClose:     90,
		LatestPrevCloseDate: refDay,
		LastPrice:           100,
		LastChangePct:       fptr((100.0 - 90.0) / 90.0 * 100),
		LastMarketCap:       fptr(1000),
		LastMarketCapDiff:   fptr(100),
		LastPriceUpdated:    auditNow.Add(-time.Minute),
	}
}

func newAuditor(repo *stubRepo, api *stubAPI, opts Options) *Auditor {
	a := New(repo, api, nil, calendar.New(), zerolog.Nop(), opts)
	a.now = func() time.Time { return auditNow }
	return a
}

func TestHealthyTickerHasNoFindings(t *testing.T) {
	repo := &stubRepo{tickers: []domain.Ticker{healthy("AAPL")}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checked)
	assert.Empty(t, sum.Counts)
	assert.False(t, sum.Critical())
}

func TestMarketCapTolerance(t *testing.T) {
	wildlyOff := healthy("BAD")
	wildlyOff.LastMarketCap = fptr(1.0)

	withinAbs := healthy("OK")
	withinAbs.LastMarketCap = fptr(1000.02)

	repo := &stubRepo{tickers: []domain.Ticker{wildlyOff, withinAbs}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts[CodeMarketCapMismatch])
	require.Len(t, sum.Samples[CodeMarketCapMismatch], 1)
	assert.Equal(t, "BAD", sum.Samples[CodeMarketCapMismatch][0].Symbol)
}

func TestChangePctChecks(t *testing.T) {
	off := healthy("OFF")
	off.LastChangePct = fptr(15.0) // recomputed is 11.11

	near := healthy("NEAR")
	near.LastChangePct = fptr(11.0) // recomputed 11.11, inside the absolute band

	repo := &stubRepo{tickers: []domain.Ticker{off, near}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts[CodeChangePctMismatch])
	assert.Equal(t, "OFF", sum.Samples[CodeChangePctMismatch][0].Symbol)
}

func TestPrevCloseFindingsAndCritical(t *testing.T) {
	missing := healthy("MISS")
	missing.LatestPrevClose = 0

	stale := healthy("STALE")
	stale.LatestPrevCloseDate = refDay.AddDate(0, 0, -7)

	repo := &stubRepo{tickers: []domain.Ticker{missing, stale}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts[CodeMissingPrevClose])
	assert.Equal(t, 1, sum.Counts[CodeStalePrevCloseDate])
	assert.True(t, sum.Critical())

	// A ticker with no prev close is not also charged with derived
	// mismatches.
	assert.Zero(t, sum.Counts[CodeChangePctMismatch])
	assert.Zero(t, sum.Counts[CodeMarketCapDiffMismatch])
}

func TestClassificationAndLogoFindings(t *testing.T) {
	noSector := healthy("NOSEC")
	noSector.Sector = ""

	badPair := healthy("BADP")
	badPair.Sector = "Tech" // not a known sector name

	noLogo := healthy("NOLOGO")
	noLogo.LogoURL = ""

	repo := &stubRepo{tickers: []domain.Ticker{noSector, badPair, noLogo}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts[CodeMissingSector])
	assert.Equal(t, 1, sum.Counts[CodeInvalidSectorIndustry])
	assert.Equal(t, 1, sum.Counts[CodeMissingLogo])
}

func TestStalePrice(t *testing.T) {
	stale := healthy("SLOW")
	stale.LastPriceUpdated = auditNow.Add(-20 * time.Minute)

	repo := &stubRepo{tickers: []domain.Ticker{stale, healthy("FAST")}}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Counts[CodeStalePrice])
}

func TestSamplesAreBoundedCountsAreNot(t *testing.T) {
	opts := DefaultOptions()
	opts.SampleLimit = 2

	var tickers []domain.Ticker
	for _, sym := range []string{"A", "B", "C", "D", "E"} {
		tk := healthy(sym)
		tk.LogoURL = ""
		tickers = append(tickers, tk)
	}
	repo := &stubRepo{tickers: tickers}
	a := newAuditor(repo, nil, opts)

	sum, err := a.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Counts[CodeMissingLogo])
	assert.Len(t, sum.Samples[CodeMissingLogo], 2)
}

func TestFixRepairsLogosAndShares(t *testing.T) {
	noLogo := healthy("NOLOGO")
	noLogo.LogoURL = ""

	noShares := healthy("NOSH")
	noShares.SharesOutstanding = 0

	repo := &stubRepo{tickers: []domain.Ticker{noLogo, noShares}}
	api := &stubAPI{shares: map[string]float64{"NOSH": 42}}
	a := newAuditor(repo, api, DefaultOptions())

	sum, err := a.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fixes["logo"])
	assert.Equal(t, 1, sum.Fixes["shares_outstanding"])
	assert.Equal(t, classify.FallbackLogoURL("NOLOGO"), repo.logos["NOLOGO"])
	assert.Equal(t, 42.0, repo.shares["NOSH"])
}

func TestFixFailureDoesNotAbortPass(t *testing.T) {
	noLogo := healthy("NOLOGO")
	noLogo.LogoURL = ""

	repo := &stubRepo{tickers: []domain.Ticker{noLogo}, logoErr: errors.New("pg down")}
	a := newAuditor(repo, nil, DefaultOptions())

	sum, err := a.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, sum.Fixes["logo"])
	assert.Equal(t, 1, sum.Counts[CodeMissingLogo])
}

func TestListFailurePropagates(t *testing.T) {
	repo := &stubRepo{listErr: errors.New("pg down")}
	a := newAuditor(repo, nil, DefaultOptions())

	_, err := a.Run(context.Background(), false)
	assert.Error(t, err)
}
