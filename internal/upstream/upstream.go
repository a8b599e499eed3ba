// Package upstream defines the client contract for the external market-data
// provider and the error taxonomy the pipeline branches on.
package upstream

import (
	"context"
	"errors"

	"marketcache/internal/marketdata"
)

var (
	// ErrNotFound means the provider does not know the symbol (unknown or
	// delisted). It is permanent for the plain symbol; the pipeline may retry
	// once with the delisted suffix form.
	ErrNotFound = errors.New("ticker not found")

	// ErrRateLimited means the provider rejected the call for quota reasons.
	// Transient; callers retry with backoff.
	ErrRateLimited = errors.New("rate limited by provider")
)

// Client fetches one ticker's historical series. Implementations are safe for
// concurrent use by the batch processor's worker pool.
type Client interface {
	FetchHistory(ctx context.Context, ticker string, startYear, endYear int) ([]marketdata.Record, error)
}
