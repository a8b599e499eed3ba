package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"marketcache/internal/cache"
	"marketcache/internal/marketdata"
	"marketcache/internal/upstream"
)

// FailedStore is the slice of the market-data store the processor uses to
// record exhausted failures and clear superseded ones.
type FailedStore interface {
	UpsertFailed(ctx context.Context, ticker, errMsg string) error
	RemoveFailed(ctx context.Context, ticker string) (bool, error)
}

// Processor fetches one batch of tickers with bounded concurrency, writing
// each success to the tiered cache as it lands so partial work survives a
// deadline cut.
type Processor struct {
	cache   *cache.Tiered
	failed  FailedStore
	client  upstream.Client
	workers int
	margin  time.Duration
	suffix  string
}

// NewProcessor creates a Processor with the given options applied.
func NewProcessor(tiered *cache.Tiered, failed FailedStore, client upstream.Client, opts ...ProcessorOption) *Processor {
	p := &Processor{
		cache:   tiered,
		failed:  failed,
		client:  client,
		workers: 4,
		margin:  5 * time.Second,
		suffix:  ".DL",
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	return p
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWorkers sets the worker-pool width for parallel ticker fetches.
func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) { p.workers = n }
}

// WithSafetyMargin sets how much time must remain before the deadline for a
// new fetch to be dispatched.
func WithSafetyMargin(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.margin = d }
}

// WithDelistedSuffix sets the alternate symbol suffix tried when a ticker is
// not found and the job opted into the delisted fallback.
func WithDelistedSuffix(s string) ProcessorOption {
	return func(p *Processor) { p.suffix = s }
}

// BatchOptions carries the per-job fetch parameters into RunBatch.
type BatchOptions struct {
	StartYear     int
	EndYear       int
	Force         bool
	RetryDelisted bool
}

type outcomeState int

const (
	outcomeSuccess outcomeState = iota + 1
	outcomeSkipped
	outcomeFailed
)

type outcome struct {
	state  outcomeState
	errMsg string
}

// RunBatch processes tickers until all are done or the remaining time before
// deadline drops under the safety margin. In-flight fetches always finish; no
// new fetch starts past the margin. A zero deadline disables the cutoff.
func (p *Processor) RunBatch(ctx context.Context, tickers []string, opts BatchOptions, deadline time.Time) BatchResult {
	outcomes := make([]outcome, len(tickers))

	g := new(errgroup.Group)
	g.SetLimit(p.workers)

	dispatched := len(tickers)
	for i, ticker := range tickers {
		if !deadline.IsZero() && time.Until(deadline) < p.margin {
			dispatched = i
			slog.Warn("execution window nearly exhausted, cutting batch short",
				"dispatched", i, "total", len(tickers))
			break
		}
		g.Go(func() error {
			outcomes[i] = p.processTicker(ctx, ticker, opts)
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Complete: dispatched == len(tickers)}
	for i := 0; i < dispatched; i++ {
		switch outcomes[i].state {
		case outcomeSuccess:
			res.Successful = append(res.Successful, tickers[i])
		case outcomeSkipped:
			res.Skipped = append(res.Skipped, tickers[i])
		case outcomeFailed:
			res.Failed = append(res.Failed, TickerError{Ticker: tickers[i], Error: outcomes[i].errMsg})
		}
	}
	return res
}

func (p *Processor) processTicker(ctx context.Context, ticker string, opts BatchOptions) outcome {
	if !opts.Force {
		keys := marketdata.Keys(ticker, opts.StartYear, opts.EndYear)
		hits, err := p.cache.BatchGet(ctx, keys)
		if err == nil && len(hits) == len(keys) {
			return outcome{state: outcomeSkipped}
		}
		if err != nil {
			slog.Error("cache lookup failed, fetching anyway", "ticker", ticker, "error", err)
		}
	}

	records, err := p.client.FetchHistory(ctx, ticker, opts.StartYear, opts.EndYear)
	if err != nil && errors.Is(err, upstream.ErrNotFound) && opts.RetryDelisted && p.suffix != "" {
		alt := ticker + p.suffix
		altRecords, altErr := p.client.FetchHistory(ctx, alt, opts.StartYear, opts.EndYear)
		if altErr == nil {
			// Store under the plain symbol so readers never see the suffix.
			for i := range altRecords {
				altRecords[i].Ticker = ticker
			}
			slog.Info("delisted fallback succeeded", "ticker", ticker, "lookup", alt)
			records, err = altRecords, nil
		} else {
			slog.Info("delisted fallback failed", "ticker", ticker, "lookup", alt, "error", altErr)
		}
	}
	if err != nil {
		if upErr := p.failed.UpsertFailed(ctx, ticker, err.Error()); upErr != nil {
			slog.Error("record failed ticker", "ticker", ticker, "error", upErr)
		}
		return outcome{state: outcomeFailed, errMsg: err.Error()}
	}

	if err := p.cache.BatchSet(ctx, records); err != nil {
		return outcome{state: outcomeFailed, errMsg: "cache write: " + err.Error()}
	}

	// A fresh success supersedes any earlier failure record.
	if _, err := p.failed.RemoveFailed(ctx, ticker); err != nil {
		slog.Error("clear failure record", "ticker", ticker, "error", err)
	}
	return outcome{state: outcomeSuccess}
}
