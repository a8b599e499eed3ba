package marketdata

import "context"

// Store is the persistent cache: per-(ticker, year) records plus the
// failed-ticker set. The sqlite implementation lives in
// internal/repository/marketdata.
type Store interface {
	Get(ctx context.Context, ticker string, year int) (*Record, error) // nil on miss
	BatchGet(ctx context.Context, keys []Key) (map[Key]Record, error)
	BatchSet(ctx context.Context, records []Record) error

	ListFailed(ctx context.Context) ([]FailedTicker, error)
	UpsertFailed(ctx context.Context, ticker, errMsg string) error
	RemoveFailed(ctx context.Context, ticker string) (bool, error)

	ClearData(ctx context.Context) (int64, error)
	ClearTicker(ctx context.Context, ticker string) (int64, error)
	ClearFailed(ctx context.Context) (int64, error)
}
