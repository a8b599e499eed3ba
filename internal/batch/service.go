package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketcache/internal/apperror"
	"marketcache/internal/marketdata"
)

// Service owns the persisted job state machine. All mutations of a job go
// through here (backed by the repository); nothing else writes job rows.
type Service struct {
	repo         Repository
	data         marketdata.Store
	proc         *Processor
	batchSize    int
	historyYears int
}

// NewService creates the job state manager.
func NewService(repo Repository, data marketdata.Store, proc *Processor, opts ...ServiceOption) *Service {
	s := &Service{
		repo:         repo,
		data:         data,
		proc:         proc,
		batchSize:    50,
		historyYears: 10,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type ServiceOption func(*Service)

// WithDefaultBatchSize sets the batch size used when a request omits one.
func WithDefaultBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithHistoryYears sets how many years back a fill covers when the request
// omits an explicit year range.
func WithHistoryYears(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.historyYears = n
		}
	}
}

// CreateJob partitions the (normalized) ticker list into batches and persists
// a pending job. The returned job id is the caller's handle.
func (s *Service) CreateJob(ctx context.Context, req FillRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tickers := normalizeTickers(req.Tickers)
	if len(tickers) == 0 {
		return nil, apperror.New(apperror.BadRequest, "no valid tickers after normalization")
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	startYear, endYear := s.yearRange(req.StartYear, req.EndYear)

	j := &Job{
		ID:            uuid.NewString(),
		Tickers:       tickers,
		BatchSize:     batchSize,
		TotalBatches:  (len(tickers) + batchSize - 1) / batchSize,
		Status:        StatusPending,
		StartYear:     startYear,
		EndYear:       endYear,
		RetryDelisted: req.RetryDelisted,
		Force:         req.Force,
		Message:       fmt.Sprintf("job created: %d tickers in %d batches", len(tickers), (len(tickers)+batchSize-1)/batchSize),
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, apperror.New(apperror.BadRequest, "job id is required")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Start(ctx context.Context, id string) (*Job, error) {
	return s.repo.Start(ctx, id)
}

func (s *Service) Advance(ctx context.Context, id string, batchIndex int, res BatchResult) (*Job, bool, error) {
	return s.repo.Advance(ctx, id, batchIndex, res)
}

func (s *Service) Touch(ctx context.Context, id, message string) error {
	return s.repo.Touch(ctx, id, message)
}

func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	return s.repo.MarkFailed(ctx, id, reason)
}

func (s *Service) Pause(ctx context.Context, id string) error {
	return s.repo.Pause(ctx, id)
}

func (s *Service) Resume(ctx context.Context, id string) error {
	return s.repo.Resume(ctx, id)
}

func (s *Service) ListActive(ctx context.Context) ([]Job, error) {
	return s.repo.ListActive(ctx)
}

// Validate classifies tickers without touching the upstream: cached when all
// years are present, failed when a failure record exists, missing otherwise.
func (s *Service) Validate(ctx context.Context, req FillRequest) (*ValidateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tickers := normalizeTickers(req.Tickers)
	startYear, endYear := s.yearRange(req.StartYear, req.EndYear)
	yearCount := endYear - startYear + 1

	var keys []marketdata.Key
	for _, t := range tickers {
		keys = append(keys, marketdata.Keys(t, startYear, endYear)...)
	}
	cached, err := s.data.BatchGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	failedList, err := s.data.ListFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	failedSet := make(map[string]bool, len(failedList))
	for _, ft := range failedList {
		failedSet[ft.Ticker] = true
	}

	perTicker := make(map[string]int)
	for k := range cached {
		perTicker[k.Ticker]++
	}

	resp := &ValidateResponse{
		Cached:  []string{},
		Missing: []string{},
		Failed:  []string{},
	}
	for _, t := range tickers {
		switch {
		case perTicker[t] == yearCount:
			resp.Cached = append(resp.Cached, t)
		case failedSet[t]:
			resp.Failed = append(resp.Failed, t)
		default:
			resp.Missing = append(resp.Missing, t)
		}
	}
	return resp, nil
}

// FillSync runs a small fill inline, bounded by deadline, and shapes the
// result for the synchronous response.
func (s *Service) FillSync(ctx context.Context, req FillRequest, deadline time.Time) (*FillResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tickers := normalizeTickers(req.Tickers)
	startYear, endYear := s.yearRange(req.StartYear, req.EndYear)

	res := s.proc.RunBatch(ctx, tickers, BatchOptions{
		StartYear:     startYear,
		EndYear:       endYear,
		Force:         req.Force,
		RetryDelisted: req.RetryDelisted,
	}, deadline)

	out := FillResults{
		Successful: []string{},
		Errors:     []TickerError{},
		Warnings:   []string{},
	}
	out.Successful = append(out.Successful, res.Successful...)
	out.Successful = append(out.Successful, res.Skipped...)
	out.Errors = append(out.Errors, res.Failed...)
	for _, t := range res.Skipped {
		out.Warnings = append(out.Warnings, t+" already cached, skipped")
	}
	if !res.Complete {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("time budget exhausted after %d of %d tickers", res.Processed(), len(tickers)))
	}
	return &FillResponse{Results: out}, nil
}

func (s *Service) yearRange(start, end int) (int, int) {
	now := time.Now().UTC().Year()
	if end == 0 {
		end = now
	}
	if start == 0 {
		start = end - s.historyYears + 1
	}
	return start, end
}
