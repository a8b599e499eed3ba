package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	domain "marketcache/internal/marketdata"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, ticker string, year int) (*domain.Record, error) {
	const query = `SELECT ticker, year, price, adjusted_price, market_cap, shares_outstanding, fetched_at
		FROM market_data WHERE ticker = ? AND year = ?`

	rec := &domain.Record{}
	var fetchedStr string
	err := r.db.QueryRowContext(ctx, query, ticker, year).Scan(
		&rec.Ticker, &rec.Year, &rec.Price, &rec.AdjustedPrice,
		&rec.MarketCap, &rec.SharesOutstanding, &fetchedStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec.FetchedAt, _ = time.Parse(time.RFC3339, fetchedStr)
	return rec, nil
}

func (r *Repository) BatchGet(ctx context.Context, keys []domain.Key) (map[domain.Key]domain.Record, error) {
	out := make(map[domain.Key]domain.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	const batchSize = 500

	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*2)
		for j, k := range batch {
			placeholders[j] = "(?, ?)"
			args = append(args, k.Ticker, k.Year)
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			`SELECT ticker, year, price, adjusted_price, market_cap, shares_outstanding, fetched_at
				FROM market_data WHERE (ticker, year) IN (%s)`,
			strings.Join(placeholders, ", "),
		)

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("batch get records: %w", err)
		}

		for rows.Next() {
			var rec domain.Record
			var fetchedStr string
			if err := rows.Scan(&rec.Ticker, &rec.Year, &rec.Price, &rec.AdjustedPrice,
				&rec.MarketCap, &rec.SharesOutstanding, &fetchedStr); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan record: %w", err)
			}
			rec.FetchedAt, _ = time.Parse(time.RFC3339, fetchedStr)
			out[rec.Key()] = rec
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	return out, nil
}

func (r *Repository) BatchSet(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	const batchSize = 500

	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*7)
		for j, rec := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?)"
			args = append(args, rec.Ticker, rec.Year, rec.Price, rec.AdjustedPrice,
				rec.MarketCap, rec.SharesOutstanding, rec.FetchedAt.UTC().Format(time.RFC3339))
		}

		// Last write wins: re-fetching a (ticker, year) overwrites in place.
		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			`INSERT OR REPLACE INTO market_data
				(ticker, year, price, adjusted_price, market_cap, shares_outstanding, fetched_at)
				VALUES %s`,
			strings.Join(placeholders, ", "),
		)

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("batch set records: %w", err)
		}
	}

	return nil
}

func (r *Repository) ListFailed(ctx context.Context) ([]domain.FailedTicker, error) {
	const query = `SELECT ticker, error, first_failed_at, last_attempt_at
		FROM failed_tickers ORDER BY last_attempt_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list failed tickers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var failed []domain.FailedTicker
	for rows.Next() {
		var ft domain.FailedTicker
		var firstStr, lastStr string
		if err := rows.Scan(&ft.Ticker, &ft.Error, &firstStr, &lastStr); err != nil {
			return nil, fmt.Errorf("scan failed ticker: %w", err)
		}
		ft.FirstFailedAt, _ = time.Parse(time.RFC3339, firstStr)
		ft.LastAttemptAt, _ = time.Parse(time.RFC3339, lastStr)
		failed = append(failed, ft)
	}

	return failed, rows.Err()
}

// UpsertFailed records a fetch failure. A repeated failure updates the error
// and last-attempt timestamp but keeps the original first-failed timestamp.
func (r *Repository) UpsertFailed(ctx context.Context, ticker, errMsg string) error {
	const query = `INSERT INTO failed_tickers (ticker, error, first_failed_at, last_attempt_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET error = excluded.error, last_attempt_at = excluded.last_attempt_at`

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, query, ticker, errMsg, now, now); err != nil {
		return fmt.Errorf("upsert failed ticker: %w", err)
	}
	return nil
}

func (r *Repository) RemoveFailed(ctx context.Context, ticker string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_tickers WHERE ticker = ?`, ticker)
	if err != nil {
		return false, fmt.Errorf("remove failed ticker: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) ClearData(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM market_data`)
	if err != nil {
		return 0, fmt.Errorf("clear market data: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) ClearTicker(ctx context.Context, ticker string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM market_data WHERE ticker = ?`, ticker)
	if err != nil {
		return 0, fmt.Errorf("clear ticker: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) ClearFailed(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_tickers`)
	if err != nil {
		return 0, fmt.Errorf("clear failed tickers: %w", err)
	}
	return res.RowsAffected()
}
