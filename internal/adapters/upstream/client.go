// Package upstream holds the pricing API client and the synthetic quote
// source used in dev mode.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// Client talks to a Polygon-compatible pricing API. Rate limiting is the
// caller's concern; the client only enforces a per-request timeout.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "upstream").Logger(),
	}
}

type aggsResponse struct {
	Results []struct {
		Timestamp int64   `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
	Status string `json:"status"`
}

// Aggregates fetches daily bars for [from, to], inclusive.
func (c *Client) Aggregates(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		url.PathEscape(symbol), domain.DateKey(from), domain.DateKey(to))
	q := url.Values{"adjusted": {"true"}, "sort": {"asc"}, "limit": {"50"}}

	var resp aggsResponse
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		bars = append(bars, domain.Bar{
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

type openCloseResponse struct {
	Status string  `json:"status"`
	Close  float64 `json:"close"`
}

// DailyClose fetches the official close for one symbol on one day.
func (c *Client) DailyClose(ctx context.Context, symbol string, day time.Time) (float64, error) {
	path := fmt.Sprintf("/v1/open-close/%s/%s", url.PathEscape(symbol), domain.DateKey(day))
	q := url.Values{"adjusted": {"true"}}

	var resp openCloseResponse
	if err := c.get(ctx, path, q, &resp); err != nil {
		return 0, err
	}
	if resp.Status != "OK" || resp.Close <= 0 {
		return 0, fmt.Errorf("no close for %s on %s", symbol, domain.DateKey(day))
	}
	return resp.Close, nil
}

type tickerDetailsResponse struct {
	Results struct {
		Ticker            string  `json:"ticker"`
		SharesOutstanding float64 `json:"share_class_shares_outstanding"`
		SICDescription    string  `json:"sic_description"`
		Branding          struct {
			LogoURL string `json:"logo_url"`
		} `json:"branding"`
	} `json:"results"`
}

// TickerDetails fetches reference data for one symbol.
func (c *Client) TickerDetails(ctx context.Context, symbol string) (domain.TickerDetails, error) {
	path := "/v3/reference/tickers/" + url.PathEscape(symbol)

	var resp tickerDetailsResponse
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return domain.TickerDetails{}, err
	}
	return domain.TickerDetails{
		Symbol:            resp.Results.Ticker,
		SharesOutstanding: resp.Results.SharesOutstanding,
		Industry:          resp.Results.SICDescription,
		LogoURL:           resp.Results.Branding.LogoURL,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u := c.baseURL + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream %s: status %d", path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("upstream %s: decode: %w", path, err)
	}
	return nil
}
