// Package marketdata defines the cached per-(ticker, year) market data
// records and the failed-ticker bookkeeping the fill pipeline maintains.
package marketdata

import "time"

// Key identifies one cached record.
type Key struct {
	Ticker string
	Year   int
}

// Record holds the year-end market data cached for one ticker and year.
type Record struct {
	Ticker            string    `json:"ticker"`
	Year              int       `json:"year"`
	Price             float64   `json:"price"`
	AdjustedPrice     float64   `json:"adjustedPrice"`
	MarketCap         float64   `json:"marketCap"`
	SharesOutstanding float64   `json:"sharesOutstanding"`
	FetchedAt         time.Time `json:"fetchedAt"`
}

func (r Record) Key() Key {
	return Key{Ticker: r.Ticker, Year: r.Year}
}

// FailedTicker records a ticker whose fetch exhausted all retries. Repeated
// failures update the same row; a later success removes it.
type FailedTicker struct {
	Ticker        string    `json:"ticker"`
	Error         string    `json:"error"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// Years returns the inclusive year range [from, to] as a slice.
func Years(from, to int) []int {
	if to < from {
		return nil
	}
	years := make([]int, 0, to-from+1)
	for y := from; y <= to; y++ {
		years = append(years, y)
	}
	return years
}

// Keys builds the cache keys for one ticker across a year range.
func Keys(ticker string, from, to int) []Key {
	years := Years(from, to)
	keys := make([]Key, len(years))
	for i, y := range years {
		keys[i] = Key{Ticker: ticker, Year: y}
	}
	return keys
}
