package marketdata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"marketcache/internal/apperror"
)

// Confirmation strings for destructive cache-management actions. The caller
// must echo these literally; a missing or wrong value rejects the request.
const (
	ConfirmClearData       = "DELETE MARKET DATA"
	ConfirmClearEverything = "DELETE EVERYTHING"
)

// JobStore is the slice of the job repository the admin service needs for
// clear_everything.
type JobStore interface {
	DeleteAll(ctx context.Context) error
}

// Service implements the administrative cache-management operations and the
// failed-ticker inspection path.
type Service struct {
	store Store
	jobs  JobStore
}

func NewService(store Store, jobs JobStore) *Service {
	return &Service{store: store, jobs: jobs}
}

func (s *Service) ListFailed(ctx context.Context) ([]FailedTicker, error) {
	return s.store.ListFailed(ctx)
}

// RemoveFailed deletes the failure record for a ticker so the next fill job
// starts with a clean slate.
func (s *Service) RemoveFailed(ctx context.Context, ticker string) error {
	removed, err := s.store.RemoveFailed(ctx, ticker)
	if err != nil {
		return fmt.Errorf("remove failed ticker: %w", err)
	}
	if !removed {
		return apperror.New(apperror.NotFound, fmt.Sprintf("no failure record for %s", ticker))
	}
	return nil
}

// ClearTicker removes all cached records and any failure record for one ticker.
func (s *Service) ClearTicker(ctx context.Context, ticker string) (int64, error) {
	n, err := s.store.ClearTicker(ctx, ticker)
	if err != nil {
		return 0, fmt.Errorf("clear ticker %s: %w", ticker, err)
	}
	if _, err := s.store.RemoveFailed(ctx, ticker); err != nil {
		return n, fmt.Errorf("clear ticker %s: remove failure record: %w", ticker, err)
	}
	slog.Info("cleared cached data for ticker", "ticker", ticker, "records", n)
	return n, nil
}

// ClearMarketData wipes all cached records. Requires the literal confirmation
// string; failure records and job history survive.
func (s *Service) ClearMarketData(ctx context.Context, confirm string) (int64, error) {
	if confirm != ConfirmClearData {
		return 0, apperror.New(apperror.BadRequest,
			fmt.Sprintf("confirmation required: send confirm=%q", ConfirmClearData))
	}
	n, err := s.store.ClearData(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear market data: %w", err)
	}
	slog.Warn("cleared all market data", "records", n)
	return n, nil
}

// ClearEverything wipes cached records, failure records, and job history.
// Partial failures are aggregated so one bad table does not hide the others.
func (s *Service) ClearEverything(ctx context.Context, confirm string) error {
	if confirm != ConfirmClearEverything {
		return apperror.New(apperror.BadRequest,
			fmt.Sprintf("confirmation required: send confirm=%q", ConfirmClearEverything))
	}

	var merr *multierror.Error
	if _, err := s.store.ClearData(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("market data: %w", err))
	}
	if _, err := s.store.ClearFailed(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed tickers: %w", err))
	}
	if err := s.jobs.DeleteAll(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("batch jobs: %w", err))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("clear everything: %w", err)
	}
	slog.Warn("cleared all cached data, failure records, and job history")
	return nil
}
