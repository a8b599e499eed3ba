package batch

import "context"

// Repository persists jobs. Advance is the only mutation that merges batch
// outcomes; it must be idempotent per batch index so a crash-and-retry of the
// same invocation cannot double-count.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Start transitions pending -> running and stamps processingStartedAt.
	// Calling it on a job already past pending is a no-op. Returns the
	// current job either way.
	Start(ctx context.Context, id string) (*Job, error)

	// Advance merges one batch's result and increments the batch index,
	// flipping the job to completed when the final batch lands. The merge is
	// guarded by batchIndex: a duplicate delivery applies nothing and returns
	// applied=false with the stored job.
	Advance(ctx context.Context, id string, batchIndex int, res BatchResult) (j *Job, applied bool, err error)

	// Touch updates only the message and lastUpdateAt, used when a batch was
	// cut short by the deadline and must re-run under the same index.
	Touch(ctx context.Context, id, message string) error

	MarkFailed(ctx context.Context, id, reason string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// ListActive returns jobs in pending or running state, oldest first.
	ListActive(ctx context.Context) ([]Job, error)

	DeleteAll(ctx context.Context) error
}
