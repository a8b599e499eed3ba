package yahoo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"marketcache/internal/upstream"
)

// fixture bundles an httptest server that plays the cookie, crumb, chart and
// quoteSummary endpoints of the upstream.
type fixture struct {
	server       *httptest.Server
	chartStatus  int
	chartBody    string
	quoteBody    string
	chartCalls   atomic.Int32
	crumbCalls   atomic.Int32
	failuresLeft atomic.Int32 // serve 500s for this many chart calls first
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chartStatus: http.StatusOK,
		quoteBody:   quoteSummaryBody(1e9),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cookie", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "A3", Value: "test-session"})
	})
	mux.HandleFunc("/crumb", func(w http.ResponseWriter, _ *http.Request) {
		f.crumbCalls.Add(1)
		fmt.Fprint(w, "test-crumb")
	})
	mux.HandleFunc("/chart/", func(w http.ResponseWriter, r *http.Request) {
		f.chartCalls.Add(1)
		if f.failuresLeft.Load() > 0 {
			f.failuresLeft.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if crumb := r.URL.Query().Get("crumb"); crumb != "test-crumb" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(f.chartStatus)
		fmt.Fprint(w, f.chartBody)
	})
	mux.HandleFunc("/quote/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, f.quoteBody)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) client(opts ...Option) *Client {
	base := []Option{
		WithClient(f.server.Client()),
		WithChartEndpoint(f.server.URL + "/chart"),
		WithQuoteEndpoint(f.server.URL + "/quote"),
		WithCookieURL(f.server.URL + "/cookie"),
		WithCrumbURL(f.server.URL + "/crumb"),
		WithRateLimit(100000),
		WithRetry(3, time.Millisecond),
	}
	return New(append(base, opts...)...)
}

// chartBody builds a chart payload with one data point per given year, dated
// mid-December, plus a mid-year point that the reduction must ignore.
func chartBody(years ...int) string {
	var ts, closes, adj []string
	for _, y := range years {
		mid := time.Date(y, time.June, 15, 0, 0, 0, 0, time.UTC).Unix()
		last := time.Date(y, time.December, 15, 0, 0, 0, 0, time.UTC).Unix()
		ts = append(ts, fmt.Sprint(mid), fmt.Sprint(last))
		closes = append(closes, fmt.Sprintf("%d.0", y-2000), fmt.Sprintf("%d.5", y-2000))
		adj = append(adj, fmt.Sprintf("%d.0", y-2001), fmt.Sprintf("%d.5", y-2001))
	}
	return fmt.Sprintf(`{"chart":{"result":[{"timestamp":[%s],
		"indicators":{"quote":[{"close":[%s]}],"adjclose":[{"adjclose":[%s]}]}}],"error":null}}`,
		strings.Join(ts, ","), strings.Join(closes, ","), strings.Join(adj, ","))
}

func quoteSummaryBody(shares float64) string {
	return fmt.Sprintf(`{"quoteSummary":{"result":[{"defaultKeyStatistics":{"sharesOutstanding":{"raw":%g}}}],"error":null}}`, shares)
}

func TestFetchHistory_ReducesToYearEnd(t *testing.T) {
	f := newFixture(t)
	f.chartBody = chartBody(2022, 2023)
	c := f.client()

	records, err := c.FetchHistory(context.Background(), "AAPL", 2022, 2023)
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 yearly records, got %d", len(records))
	}

	first := records[0]
	if first.Ticker != "AAPL" || first.Year != 2022 {
		t.Errorf("unexpected record identity: %+v", first)
	}
	// The December point wins over the June one.
	if first.Price != 22.5 {
		t.Errorf("expected last-trading-day close 22.5, got %f", first.Price)
	}
	if first.AdjustedPrice != 21.5 {
		t.Errorf("expected adjusted close 21.5, got %f", first.AdjustedPrice)
	}
	if first.SharesOutstanding != 1e9 {
		t.Errorf("expected shares outstanding wired in, got %f", first.SharesOutstanding)
	}
	if first.MarketCap != 22.5*1e9 {
		t.Errorf("expected derived market cap, got %f", first.MarketCap)
	}
}

func TestFetchHistory_NotFound(t *testing.T) {
	f := newFixture(t)
	f.chartBody = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`
	c := f.client()

	_, err := c.FetchHistory(context.Background(), "ZZZZ", 2022, 2023)
	if !errors.Is(err, upstream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Not-found is permanent: one attempt only.
	if n := f.chartCalls.Load(); n != 1 {
		t.Errorf("expected 1 chart call, got %d", n)
	}
}

func TestFetchHistory_HTTP404MapsToNotFound(t *testing.T) {
	f := newFixture(t)
	f.chartStatus = http.StatusNotFound
	c := f.client()

	_, err := c.FetchHistory(context.Background(), "ZZZZ", 2022, 2023)
	if !errors.Is(err, upstream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchHistory_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.chartBody = chartBody(2023)
	f.failuresLeft.Store(2)
	c := f.client()

	records, err := c.FetchHistory(context.Background(), "AAPL", 2023, 2023)
	if err != nil {
		t.Fatalf("expected recovery after transient failures: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if n := f.chartCalls.Load(); n != 3 {
		t.Errorf("expected 3 chart calls (2 failures + success), got %d", n)
	}
}

func TestFetchHistory_ExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t)
	f.chartBody = chartBody(2023)
	f.failuresLeft.Store(10)
	c := f.client()

	if _, err := c.FetchHistory(context.Background(), "AAPL", 2023, 2023); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if n := f.chartCalls.Load(); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
}

func TestFetchHistory_CrumbFetchedOnce(t *testing.T) {
	f := newFixture(t)
	f.chartBody = chartBody(2023)
	c := f.client()
	ctx := context.Background()

	if _, err := c.FetchHistory(ctx, "AAPL", 2023, 2023); err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchHistory(ctx, "MSFT", 2023, 2023); err != nil {
		t.Fatal(err)
	}
	if n := f.crumbCalls.Load(); n != 1 {
		t.Errorf("crumb must be cached across calls, fetched %d times", n)
	}
}

func TestFetchHistory_SharesOutstandingBestEffort(t *testing.T) {
	f := newFixture(t)
	f.chartBody = chartBody(2023)
	f.quoteBody = `{"quoteSummary":{"result":[],"error":null}}`
	c := f.client()

	records, err := c.FetchHistory(context.Background(), "AAPL", 2023, 2023)
	if err != nil {
		t.Fatalf("quote summary failure must not fail the fetch: %v", err)
	}
	if records[0].SharesOutstanding != 0 || records[0].MarketCap != 0 {
		t.Errorf("expected zero shares/cap without quote data: %+v", records[0])
	}
}

func TestFetchHistory_NullClosesSkipped(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2023, time.December, 15, 0, 0, 0, 0, time.UTC).Unix()
	ts2 := time.Date(2023, time.December, 18, 0, 0, 0, 0, time.UTC).Unix()
	f.chartBody = fmt.Sprintf(`{"chart":{"result":[{"timestamp":[%d,%d],
		"indicators":{"quote":[{"close":[150.0,null]}],"adjclose":[{"adjclose":[149.0,null]}]}}],"error":null}}`, ts, ts2)
	c := f.client()

	records, err := c.FetchHistory(context.Background(), "AAPL", 2023, 2023)
	if err != nil {
		t.Fatal(err)
	}
	// The trailing null must not clobber the real close.
	if records[0].Price != 150.0 {
		t.Errorf("expected 150.0, got %f", records[0].Price)
	}
}

func TestFetchHistory_ValidatesArguments(t *testing.T) {
	c := newFixture(t).client()
	ctx := context.Background()

	if _, err := c.FetchHistory(ctx, "", 2022, 2023); err == nil {
		t.Error("expected error for empty ticker")
	}
	if _, err := c.FetchHistory(ctx, "AAPL", 2023, 2020); err == nil {
		t.Error("expected error for inverted year range")
	}
}
