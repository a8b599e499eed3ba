// Package batch implements the resumable cache-fill pipeline: the persisted
// job state machine, the bounded-concurrency batch processor, and the
// orchestrator that advances a job one execution window at a time.
package batch

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the persisted record of one cache-fill request. CurrentBatch is the
// index of the next batch to run; counts only ever reflect fully merged
// batches, so processed == successful + failed at every observable point.
type Job struct {
	ID                  string    `json:"id"`
	Tickers             []string  `json:"tickers"`
	BatchSize           int       `json:"batchSize"`
	TotalBatches        int       `json:"totalBatches"`
	CurrentBatch        int       `json:"currentBatch"`
	Status              Status    `json:"status"`
	Processed           int       `json:"processed"`
	Successful          int       `json:"successful"`
	Failed              int       `json:"failed"`
	StartYear           int       `json:"startYear"`
	EndYear             int       `json:"endYear"`
	RetryDelisted       bool      `json:"retryDelisted"`
	Force               bool      `json:"force"`
	Message             string    `json:"message"`
	CreatedAt           time.Time `json:"createdAt"`
	ProcessingStartedAt time.Time `json:"processingStartedAt"`
	LastUpdateAt        time.Time `json:"lastUpdateAt"`
}

// Batch returns the ticker slice for batch index i.
func (j *Job) Batch(i int) []string {
	start := i * j.BatchSize
	if start >= len(j.Tickers) {
		return nil
	}
	end := start + j.BatchSize
	if end > len(j.Tickers) {
		end = len(j.Tickers)
	}
	return j.Tickers[start:end]
}

// Terminal reports whether the job reached an immutable final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
