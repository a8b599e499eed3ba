package batch

import (
	"math"
	"strings"
	"time"

	"marketcache/internal/apperror"
)

const (
	ActionValidate = "validate"
	ActionFill     = "fill"
)

// FillRequest is the body of POST /fill-cache.
type FillRequest struct {
	Tickers       []string `json:"tickers"`
	Action        string   `json:"action"`
	RetryDelisted bool     `json:"retryDelisted,omitempty"`
	Force         bool     `json:"force,omitempty"`
	StartYear     int      `json:"startYear,omitempty"`
	EndYear       int      `json:"endYear,omitempty"`
	BatchSize     int      `json:"batchSize,omitempty"`
}

func (r FillRequest) Validate() *apperror.AppError {
	if len(r.Tickers) == 0 {
		return apperror.New(apperror.BadRequest, "tickers must not be empty")
	}
	if r.Action != ActionValidate && r.Action != ActionFill {
		return apperror.New(apperror.BadRequest, "action must be validate or fill")
	}
	if r.StartYear != 0 && r.EndYear != 0 && r.EndYear < r.StartYear {
		return apperror.New(apperror.BadRequest, "endYear must not be before startYear")
	}
	if r.BatchSize < 0 {
		return apperror.New(apperror.BadRequest, "batchSize must be positive")
	}
	return nil
}

// ValidateResponse classifies the requested tickers against the cache.
type ValidateResponse struct {
	Cached  []string `json:"cached"`
	Missing []string `json:"missing"`
	Failed  []string `json:"failed"`
}

// FillResults is the synchronous fill outcome for small ticker lists.
type FillResults struct {
	Successful []string      `json:"successful"`
	Errors     []TickerError `json:"errors"`
	Warnings   []string      `json:"warnings"`
}

type FillResponse struct {
	Results FillResults `json:"results"`
}

// BatchInfo summarizes the partitioning of a newly created job.
type BatchInfo struct {
	TickersToProcess int `json:"tickersToProcess"`
	TotalBatches     int `json:"totalBatches"`
}

// CreateJobResponse is the 202 body returned for large fill requests. JobID
// is the caller's handle for polling and re-triggering the orchestrator.
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	BatchInfo BatchInfo `json:"batchInfo"`
}

// OrchestratorRequest advances or pauses/resumes a job by id.
type OrchestratorRequest struct {
	JobID  string `json:"jobId"`
	Action string `json:"action,omitempty"` // "", "pause", "resume"
}

func (r OrchestratorRequest) Validate() *apperror.AppError {
	if r.JobID == "" {
		return apperror.New(apperror.BadRequest, "jobId is required")
	}
	switch r.Action {
	case "", "pause", "resume":
		return nil
	default:
		return apperror.New(apperror.BadRequest, "action must be pause or resume")
	}
}

type Progress struct {
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
}

type Batches struct {
	Current   int `json:"current"`
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Remaining int `json:"remaining"`
}

// JobStatus is the polling payload of GET /fill-cache-batch-status.
type JobStatus struct {
	JobID               string   `json:"jobId"`
	Status              Status   `json:"status"`
	Progress            Progress `json:"progress"`
	Batches             Batches  `json:"batches"`
	Message             string   `json:"message"`
	StartTime           string   `json:"startTime"`
	ProcessingStartTime string   `json:"processingStartTime,omitempty"`
	LastUpdate          string   `json:"lastUpdate"`
}

// NewJobStatus builds the status payload from the last persisted job state.
func NewJobStatus(j *Job) JobStatus {
	total := len(j.Tickers)
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(j.Processed)/float64(total)*1000) / 10
	}

	current := j.CurrentBatch + 1
	if current > j.TotalBatches {
		current = j.TotalBatches
	}

	s := JobStatus{
		JobID:  j.ID,
		Status: j.Status,
		Progress: Progress{
			Processed:  j.Processed,
			Total:      total,
			Percentage: pct,
			Successful: j.Successful,
			Failed:     j.Failed,
		},
		Batches: Batches{
			Current:   current,
			Total:     j.TotalBatches,
			Completed: j.CurrentBatch,
			Remaining: j.TotalBatches - j.CurrentBatch,
		},
		Message:    j.Message,
		StartTime:  j.CreatedAt.UTC().Format(time.RFC3339),
		LastUpdate: j.LastUpdateAt.UTC().Format(time.RFC3339),
	}
	if !j.ProcessingStartedAt.IsZero() {
		s.ProcessingStartTime = j.ProcessingStartedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// normalizeTickers trims, uppercases, and dedupes while preserving order.
func normalizeTickers(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
