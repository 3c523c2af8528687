// Package audit cross-checks derived ticker fields against recomputed
// truth. Findings are classified data, never errors: one pass always
// returns a full summary, whether or not fixes were requested.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/classify"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/ports"
	"github.com/dusan02/vercel-pmp-sub002/internal/refprice"
)

// Issue codes.
const (
	CodeMissingPrevClose      = "missing_prev_close"
	CodeStalePrevCloseDate    = "stale_prev_close_date"
	CodeInvalidChangePct      = "invalid_change_pct"
	CodeChangePctMismatch     = "change_pct_mismatch"
	CodeMissingMarketCap      = "missing_market_cap"
	CodeMarketCapMismatch     = "market_cap_mismatch"
	CodeMissingMarketCapDiff  = "missing_market_cap_diff"
	CodeMarketCapDiffMismatch = "market_cap_diff_mismatch"
	CodeMissingSector         = "missing_sector"
	CodeMissingIndustry       = "missing_industry"
	CodeInvalidSectorIndustry = "invalid_sector_industry"
	CodeMissingLogo           = "missing_logo"
	CodeStalePrice            = "stale_price"
)

// Tolerances. The cap-diff bound is looser because the diff derives from
// two time-sensitive inputs.
const (
	chgAbsTol  = 0.25
	chgRelTol  = 0.02
	capAbsTol  = 1.0
	capRelTol  = 0.02
	diffRelTol = 0.05
)

type Options struct {
	FixLimit       int
	FixBudget      time.Duration
	StaleThreshold time.Duration
	SampleLimit    int
	// LogoDir, when set, lets a conventional local asset satisfy the
	// logo check without a stored URL.
	LogoDir string
	// FixConcurrency bounds parallel shares-outstanding fetches.
	FixConcurrency int
}

func DefaultOptions() Options {
	return Options{
		FixLimit:       25,
		FixBudget:      20 * time.Second,
		StaleThreshold: 15 * time.Minute,
		SampleLimit:    10,
		FixConcurrency: 4,
	}
}

// Summary is the structured result of one audit pass.
type Summary struct {
	StartedAt time.Time                          `json:"startedAt"`
	Duration  time.Duration                      `json:"duration"`
	Checked   int                                `json:"checked"`
	Counts    map[string]int                     `json:"counts"`
	Samples   map[string][]domain.IntegrityIssue `json:"samples"`
	Fixes     map[string]int                     `json:"fixes,omitempty"`
}

// Critical reports findings that a strict caller treats as fatal.
func (s Summary) Critical() bool {
	return s.Counts[CodeMissingPrevClose] > 0
}

type Auditor struct {
	repo     ports.TickerRepo
	api      ports.PriceAPI
	resolver *refprice.Resolver
	cal      *calendar.Calendar
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
}

func New(repo ports.TickerRepo, api ports.PriceAPI, resolver *refprice.Resolver, cal *calendar.Calendar, log zerolog.Logger, opts Options) *Auditor {
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = 10
	}
	if opts.FixConcurrency <= 0 {
		opts.FixConcurrency = 4
	}
	return &Auditor{
		repo:     repo,
		api:      api,
		resolver: resolver,
		cal:      cal,
		log:      log.With().Str("component", "audit").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// run accumulates per-code symbol lists beyond the bounded samples so
// fixes can target everything found.
type run struct {
	Summary
	sampleLimit   int
	symbolsByCode map[string][]string
	needShares    []string
}

func (r *run) add(code, symbol, details string) {
	r.Counts[code]++
	r.symbolsByCode[code] = append(r.symbolsByCode[code], symbol)
	if len(r.Samples[code]) < r.sampleLimit {
		r.Samples[code] = append(r.Samples[code], domain.IntegrityIssue{Code: code, Symbol: symbol, Details: details})
	}
}

// Run executes one full pass. fix enables the capped auto-repairs.
func (a *Auditor) Run(ctx context.Context, fix bool) (Summary, error) {
	started := a.now()
	if a.repo == nil {
		return Summary{}, errors.New("no durable store to audit")
	}
	tickers, err := a.repo.ListTickers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list tickers: %w", err)
	}

	r := &run{
		Summary: Summary{
			StartedAt: started,
			Counts:    make(map[string]int),
			Samples:   make(map[string][]domain.IntegrityIssue),
			Fixes:     make(map[string]int),
		},
		sampleLimit:   a.opts.SampleLimit,
		symbolsByCode: make(map[string][]string),
	}
	expectedDay := a.cal.PrevTradingDay(started)

	for _, t := range tickers {
		r.Checked++
		a.check(r, t, expectedDay)
	}

	if fix {
		a.fix(ctx, r)
	}

	r.Duration = a.now().Sub(started)
	a.log.Info().
		Int("checked", r.Checked).
		Interface("counts", r.Counts).
		Bool("fix", fix).
		Dur("took", r.Duration).
		Msg("integrity audit pass complete")
	return r.Summary, nil
}

// check runs every validation whose preconditions hold; a ticker missing
// one input is not double-counted in checks deriving from it.
func (a *Auditor) check(r *run, t domain.Ticker, expectedDay time.Time) {
	prevCloseOK := false
	switch {
	case t.LatestPrevClose <= 0:
		r.add(CodeMissingPrevClose, t.Symbol, "")
	case !sameDay(t.LatestPrevCloseDate, expectedDay):
		r.add(CodeStalePrevCloseDate, t.Symbol,
			fmt.Sprintf("have %s want %s", domain.DateKey(t.LatestPrevCloseDate), domain.DateKey(expectedDay)))
	default:
		prevCloseOK = true
	}

	if prevCloseOK && t.LastPrice > 0 {
		want := (t.LastPrice - t.LatestPrevClose) / t.LatestPrevClose * 100
		if math.IsNaN(want) || math.IsInf(want, 0) {
			r.add(CodeInvalidChangePct, t.Symbol, "")
		} else if t.LastChangePct != nil && !within(*t.LastChangePct, want, chgAbsTol, chgRelTol) {
			r.add(CodeChangePctMismatch, t.Symbol,
				fmt.Sprintf("stored %.4f recomputed %.4f", *t.LastChangePct, want))
		}
	}

	if t.SharesOutstanding <= 0 {
		// Market-cap checks can't fire; queue for the shares fix instead.
		r.needShares = append(r.needShares, t.Symbol)
	} else if t.LastPrice > 0 {
		wantCap := t.LastPrice * t.SharesOutstanding
		if t.LastMarketCap == nil {
			r.add(CodeMissingMarketCap, t.Symbol, "")
		} else if !within(*t.LastMarketCap, wantCap, capAbsTol, capRelTol) {
			r.add(CodeMarketCapMismatch, t.Symbol,
				fmt.Sprintf("stored %.2f recomputed %.2f", *t.LastMarketCap, wantCap))
		}

		if prevCloseOK {
			wantDiff := (t.LastPrice - t.LatestPrevClose) * t.SharesOutstanding
			if t.LastMarketCapDiff == nil {
				r.add(CodeMissingMarketCapDiff, t.Symbol, "")
			} else if !within(*t.LastMarketCapDiff, wantDiff, 0, diffRelTol) {
				r.add(CodeMarketCapDiffMismatch, t.Symbol,
					fmt.Sprintf("stored %.2f recomputed %.2f", *t.LastMarketCapDiff, wantDiff))
			}
		}
	}

	sectorMissing := t.Sector == ""
	industryMissing := t.Industry == ""
	if sectorMissing {
		r.add(CodeMissingSector, t.Symbol, "")
	}
	if industryMissing {
		r.add(CodeMissingIndustry, t.Symbol, "")
	}
	if !sectorMissing && !industryMissing && !classify.Valid(t.Sector, t.Industry) {
		r.add(CodeInvalidSectorIndustry, t.Symbol, fmt.Sprintf("%s / %s", t.Sector, t.Industry))
	}

	if t.LogoURL == "" && !a.hasLocalLogo(t.Symbol) {
		r.add(CodeMissingLogo, t.Symbol, "")
	}

	if !t.LastPriceUpdated.IsZero() && a.now().Sub(t.LastPriceUpdated) > a.opts.StaleThreshold {
		r.add(CodeStalePrice, t.Symbol, fmt.Sprintf("age %s", a.now().Sub(t.LastPriceUpdated).Truncate(time.Second)))
	}
}

// fix runs the capped repairs. Each category is isolated; fix failures
// only reduce the fix counts, never abort the pass.
func (a *Auditor) fix(ctx context.Context, r *run) {
	if syms := capList(r.symbolsByCode[CodeMissingPrevClose], a.opts.FixLimit); len(syms) > 0 && a.resolver != nil {
		_, rep := a.resolver.PreviousClosesBatchAndPersist(ctx, syms, time.Time{}, a.opts.FixBudget)
		r.Fixes["prev_close"] = rep.Resolved
		if rep.EarlyStop {
			a.log.Warn().Int("skipped", rep.Skipped).Msg("prev close fix stopped early")
		}
	}

	if syms := capList(r.needShares, a.opts.FixLimit); len(syms) > 0 && a.api != nil {
		fixed := a.fixShares(ctx, syms)
		if fixed > 0 {
			r.Fixes["shares_outstanding"] = fixed
		}
	}

	// Logos are deterministic: no outbound call needed.
	if syms := capList(r.symbolsByCode[CodeMissingLogo], a.opts.FixLimit); len(syms) > 0 {
		fixed := 0
		for _, sym := range syms {
			if err := a.repo.UpdateLogo(ctx, sym, classify.FallbackLogoURL(sym)); err != nil {
				a.log.Warn().Err(err).Str("symbol", sym).Msg("logo fix failed")
				continue
			}
			fixed++
		}
		if fixed > 0 {
			r.Fixes["logo"] = fixed
		}
	}
}

func (a *Auditor) fixShares(ctx context.Context, symbols []string) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.FixConcurrency)
	results := make(chan string, len(symbols))

	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			details, err := a.api.TickerDetails(gctx, sym)
			if err != nil || details.SharesOutstanding <= 0 {
				if err != nil {
					a.log.Warn().Err(err).Str("symbol", sym).Msg("shares fetch failed")
				}
				return nil
			}
			if err := a.repo.UpdateShares(gctx, sym, details.SharesOutstanding); err != nil {
				a.log.Warn().Err(err).Str("symbol", sym).Msg("shares persist failed")
				return nil
			}
			results <- sym
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	fixed := 0
	for range results {
		fixed++
	}
	return fixed
}

func (a *Auditor) hasLocalLogo(symbol string) bool {
	if a.opts.LogoDir == "" {
		return false
	}
	for _, name := range classify.LogoAssetNames(symbol) {
		if _, err := os.Stat(filepath.Join(a.opts.LogoDir, name)); err == nil {
			return true
		}
	}
	return false
}

// within accepts a stored value as consistent with the recomputed one
// under an absolute or relative tolerance.
func within(stored, want, absTol, relTol float64) bool {
	diff := math.Abs(stored - want)
	if diff <= absTol {
		return true
	}
	scale := math.Max(math.Abs(stored), math.Abs(want))
	if scale == 0 {
		return true
	}
	return diff/scale <= relTol
}

func sameDay(a, b time.Time) bool {
	return domain.DateKey(a) == domain.DateKey(b)
}

func capList(s []string, n int) []string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
