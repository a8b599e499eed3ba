package batch

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type TickerError struct {
	Ticker string `json:"ticker"`
	Error  string `json:"error"`
}

// BatchResult is the outcome of one RunBatch call. Skipped tickers were
// already cached and count as successful for job accounting. Complete is
// false when the deadline margin stopped the batch before every ticker was
// attempted; such a result must not be merged into job counts.
type BatchResult struct {
	Successful []string      `json:"successful"`
	Skipped    []string      `json:"skipped"`
	Failed     []TickerError `json:"failed"`
	Complete   bool          `json:"complete"`
}

// SuccessCount includes cache hits.
func (r BatchResult) SuccessCount() int {
	return len(r.Successful) + len(r.Skipped)
}

func (r BatchResult) FailedCount() int {
	return len(r.Failed)
}

func (r BatchResult) Processed() int {
	return r.SuccessCount() + r.FailedCount()
}

// Err aggregates per-ticker failures into a single error, or nil when the
// whole batch succeeded.
func (r BatchResult) Err() error {
	var merr *multierror.Error
	for _, f := range r.Failed {
		merr = multierror.Append(merr, fmt.Errorf("%s: %s", f.Ticker, f.Error))
	}
	return merr.ErrorOrNil()
}
