// Package yahoo implements the upstream data client against the Yahoo
// Finance v8 chart API with cookie + crumb authentication, the same approach
// used by the yfinance Python library. Yearly records are derived from the
// daily series: the last trading day of each year supplies the close and
// adjusted close; shares outstanding come from the quoteSummary endpoint and
// market cap is derived from the two.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketcache/internal/marketdata"
	"marketcache/internal/upstream"
	"marketcache/internal/util"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultQuoteEndpoint = "https://query1.finance.yahoo.com/v10/finance/quoteSummary"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Client fetches yearly market-data records from Yahoo Finance. Safe for
// concurrent use; a shared token-bucket limiter keeps the batch processor's
// worker pool under the provider's rate limit.
type Client struct {
	client        *http.Client
	chartEndpoint string
	quoteEndpoint string
	cookieURL     string
	crumbURL      string
	limiter       *util.RateLimiter
	maxAttempts   int
	retryDelay    time.Duration

	mu    sync.Mutex
	crumb string
}

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		client:        &http.Client{Jar: jar, Timeout: 30 * time.Second},
		chartEndpoint: defaultChartEndpoint,
		quoteEndpoint: defaultQuoteEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
		limiter:       util.NewRateLimiter(60),
		maxAttempts:   3,
		retryDelay:    500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) Option {
	return func(c *Client) { c.chartEndpoint = ep }
}

// WithQuoteEndpoint overrides the default quoteSummary endpoint.
func WithQuoteEndpoint(ep string) Option {
	return func(c *Client) { c.quoteEndpoint = ep }
}

// WithCookieURL overrides the URL used to obtain the session cookie.
func WithCookieURL(u string) Option {
	return func(c *Client) { c.cookieURL = u }
}

// WithCrumbURL overrides the URL used to obtain the crumb token.
func WithCrumbURL(u string) Option {
	return func(c *Client) { c.crumbURL = u }
}

// WithRateLimit caps requests per minute across all workers.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) { c.limiter = util.NewRateLimiter(perMinute) }
}

// WithRetry sets the transient-error retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.retryDelay = baseDelay
	}
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []any `json:"close"`
				} `json:"quote"`
				Adjclose []struct {
					Adjclose []any `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// quoteSummaryResponse carries the subset of defaultKeyStatistics we use.
type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			DefaultKeyStatistics struct {
				SharesOutstanding struct {
					Raw float64 `json:"raw"`
				} `json:"sharesOutstanding"`
			} `json:"defaultKeyStatistics"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

// FetchHistory fetches the daily series for [startYear, endYear] and reduces
// it to one record per year. Transient errors (rate limit, 5xx, network) are
// retried with backoff; upstream.ErrNotFound is returned as-is so the caller
// can decide on the delisted-suffix fallback.
func (c *Client) FetchHistory(ctx context.Context, ticker string, startYear, endYear int) ([]marketdata.Record, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker cannot be empty")
	}
	if endYear < startYear {
		return nil, fmt.Errorf("end year %d before start year %d", endYear, startYear)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if err := c.ensureCrumb(ctx); err != nil {
		return nil, fmt.Errorf("yahoo auth: %w", err)
	}

	from := time.Date(startYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(endYear, time.December, 31, 23, 59, 59, 0, time.UTC)
	if now := time.Now().UTC(); to.After(now) {
		to = now
	}

	var chart chartResponse
	err := util.Retry(ctx, c.maxAttempts, c.retryDelay, func() error {
		var ferr error
		chart, ferr = c.fetchChart(ctx, ticker, from, to)
		if ferr != nil && errors.Is(ferr, upstream.ErrNotFound) {
			return util.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		return nil, err
	}

	records := yearEndRecords(ticker, chart)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no usable data points for %s", upstream.ErrNotFound, ticker)
	}

	// Shares outstanding are best-effort: the chart data alone is still a
	// valid record, so quoteSummary failures only log.
	shares, err := c.fetchSharesOutstanding(ctx, ticker)
	if err != nil {
		slog.Warn("yahoo: shares outstanding unavailable", "ticker", ticker, "error", err)
	}
	if shares > 0 {
		for i := range records {
			records[i].SharesOutstanding = shares
			records[i].MarketCap = records[i].Price * shares
		}
	}

	slog.Info("retrieved yahoo history", "ticker", ticker,
		"startYear", startYear, "endYear", endYear, "years", len(records))
	return records, nil
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (c *Client) ensureCrumb(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.crumb != "" {
		return nil
	}

	cookieReq, err := http.NewRequestWithContext(ctx, "GET", c.cookieURL, nil)
	if err != nil {
		return fmt.Errorf("build cookie request: %w", err)
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := c.client.Do(cookieReq)
	if err != nil {
		return fmt.Errorf("fetch cookie: %w", err)
	}
	_ = cookieRes.Body.Close()

	crumbReq, err := http.NewRequestWithContext(ctx, "GET", c.crumbURL, nil)
	if err != nil {
		return fmt.Errorf("build crumb request: %w", err)
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := c.client.Do(crumbReq)
	if err != nil {
		return fmt.Errorf("fetch crumb: %w", err)
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if crumbRes.StatusCode != http.StatusOK {
		return fmt.Errorf("crumb endpoint returned HTTP %d", crumbRes.StatusCode)
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return fmt.Errorf("read crumb: %w", err)
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return fmt.Errorf("empty crumb received")
	}

	c.crumb = crumb
	return nil
}

func (c *Client) fetchChart(ctx context.Context, ticker string, from, to time.Time) (chartResponse, error) {
	c.mu.Lock()
	crumb := c.crumb
	c.mu.Unlock()

	reqURL := fmt.Sprintf("%s/%s?period1=%s&period2=%s&interval=1d&events=div%%2Csplits&crumb=%s",
		c.chartEndpoint,
		ticker,
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10),
		crumb,
	)

	var resp chartResponse
	body, err := c.doGet(ctx, reqURL, ticker)
	if err != nil {
		return resp, err
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("parse yahoo response: %w", err)
	}

	if e := resp.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "not found") {
			return resp, fmt.Errorf("%w: %s", upstream.ErrNotFound, e.Description)
		}
		return resp, fmt.Errorf("yahoo chart error: %s: %s", e.Code, e.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return resp, fmt.Errorf("%w: empty chart result for %s", upstream.ErrNotFound, ticker)
	}
	return resp, nil
}

func (c *Client) fetchSharesOutstanding(ctx context.Context, ticker string) (float64, error) {
	c.mu.Lock()
	crumb := c.crumb
	c.mu.Unlock()

	reqURL := fmt.Sprintf("%s/%s?modules=defaultKeyStatistics&crumb=%s", c.quoteEndpoint, ticker, crumb)

	body, err := c.doGet(ctx, reqURL, ticker)
	if err != nil {
		return 0, err
	}

	var resp quoteSummaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parse quote summary: %w", err)
	}
	if resp.QuoteSummary.Error != nil {
		return 0, fmt.Errorf("quote summary error: %s", resp.QuoteSummary.Error.Code)
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return 0, fmt.Errorf("empty quote summary for %s", ticker)
	}
	return resp.QuoteSummary.Result[0].DefaultKeyStatistics.SharesOutstanding.Raw, nil
}

func (c *Client) doGet(ctx context.Context, reqURL, ticker string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", upstream.ErrNotFound, ticker)
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP 429 for %s", upstream.ErrRateLimited, ticker)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		// Invalidate crumb so the next call re-authenticates.
		c.mu.Lock()
		c.crumb = ""
		c.mu.Unlock()
		return nil, fmt.Errorf("yahoo returned HTTP %d for %s", res.StatusCode, ticker)
	default:
		return nil, fmt.Errorf("yahoo returned HTTP %d for %s", res.StatusCode, ticker)
	}

	return io.ReadAll(res.Body)
}

// yearEndRecords reduces the daily series to the last trading day per year.
func yearEndRecords(ticker string, resp chartResponse) []marketdata.Record {
	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil
	}

	closes := result.Indicators.Quote[0].Close
	var adjcloses []any
	if len(result.Indicators.Adjclose) > 0 {
		adjcloses = result.Indicators.Adjclose[0].Adjclose
	}

	byYear := make(map[int]marketdata.Record)
	n := min(len(result.Timestamp), len(closes))
	now := time.Now().UTC()

	for i := range n {
		closeVal, ok := toFloat64(closes[i])
		if !ok {
			continue
		}
		adjVal := closeVal
		if i < len(adjcloses) {
			if v, ok := toFloat64(adjcloses[i]); ok {
				adjVal = v
			}
		}
		year := time.Unix(result.Timestamp[i], 0).UTC().Year()
		// Timestamps arrive in ascending order, so the last write per year
		// is the last trading day.
		byYear[year] = marketdata.Record{
			Ticker:        ticker,
			Year:          year,
			Price:         closeVal,
			AdjustedPrice: adjVal,
			FetchedAt:     now,
		}
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	records := make([]marketdata.Record, 0, len(byYear))
	for _, y := range years {
		records = append(records, byYear[y])
	}
	return records
}

// toFloat64 converts a JSON number (float64 or json.Number) to float64.
// Returns false for nil values (Yahoo uses null for missing data points).
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
