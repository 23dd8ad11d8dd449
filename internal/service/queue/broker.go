// Package queue hands submitted images to consumers and tracks each job
// from PENDING to SUCCESS or FAILURE.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/repository"
	"visiongate/internal/service/events"
)

// Options configures a Broker.
type Options struct {
	MaxPayload int64         // largest accepted image, 0 for no limit
	Retention  time.Duration // how long finished jobs stay retrievable, 0 keeps them
	StaleAfter time.Duration // PROCESSING jobs without a heartbeat for this long are failed, 0 disables
}

// FailedError is returned by Result for a job that ended in FAILURE.
type FailedError struct {
	ID     model.JobID
	Kind   string
	Detail string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s: %s", e.ID, e.Kind, e.Detail)
}

// JobResult is a finished job with its annotated image.
type JobResult struct {
	Job   *model.JobRecord
	Image []byte
}

// Broker assigns job IDs, stores submissions and serves status lookups.
type Broker struct {
	jobs   repository.JobRepository
	blobs  repository.BlobStore
	events events.Publisher
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	wakeMu sync.Mutex
	wakeCh chan struct{}
	closed atomic.Bool
}

// NewBroker creates a Broker. A nil publisher discards events.
func NewBroker(jobs repository.JobRepository, blobs repository.BlobStore, publisher events.Publisher, opts Options, logger *logger.Logger) *Broker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Broker{
		jobs:   jobs,
		blobs:  blobs,
		events: publisher,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		wakeCh: make(chan struct{}),
	}
}

// NewJobID returns a fresh time-ordered job ID.
func NewJobID() model.JobID {
	return model.JobID(uuid.Must(uuid.NewV7()).String())
}

// ResultKey is the blob key of a job's annotated image.
func ResultKey(id model.JobID) string {
	return fmt.Sprintf("results/%s.jpg", id)
}

// Enqueue stores payload as a new PENDING job and returns its ID without
// waiting for processing.
func (b *Broker) Enqueue(ctx context.Context, payload []byte) (model.JobID, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("%w: queue closed", model.ErrUnavailable)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", model.ErrNoImage)
	}
	if b.opts.MaxPayload > 0 && int64(len(payload)) > b.opts.MaxPayload {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", model.ErrPayloadTooLarge, len(payload), b.opts.MaxPayload)
	}

	job := &model.JobRecord{
		ID:          NewJobID(),
		State:       model.StatePending,
		SubmittedAt: b.now(),
	}
	if err := b.jobs.Insert(ctx, job, payload); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.With("job_id", job.ID).Info("Job queued (%d bytes)", len(payload))
	b.publish(job.ID, model.StatePending, StatusText(job), nil)
	b.notify()
	return job.ID, nil
}

// Status returns the current record of a job.
func (b *Broker) Status(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	return b.jobs.Get(ctx, id)
}

// Result returns the outcome of a finished job. It fails with
// model.ErrNotFound for unknown or expired jobs, model.ErrNotReady while the
// job is PENDING or PROCESSING and *FailedError when it ended in FAILURE.
func (b *Broker) Result(ctx context.Context, id model.JobID) (*JobResult, error) {
	job, err := b.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case model.StatePending, model.StateProcessing:
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrNotReady, id, job.State)
	case model.StateFailure:
		return nil, &FailedError{ID: id, Kind: job.FailureKind, Detail: job.FailureDetail}
	}

	image, err := b.blobs.Get(ctx, job.ResultKey)
	if errors.Is(err, repository.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: result of job %s expired", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return &JobResult{Job: job, Image: image}, nil
}

// Counts returns the number of jobs per state.
func (b *Broker) Counts(ctx context.Context) (map[model.JobState]int, error) {
	return b.jobs.CountByState(ctx)
}

// Close rejects further submissions.
func (b *Broker) Close() {
	b.closed.Store(true)
	b.notify()
}

// StatusText is the human-readable status of a job.
func StatusText(job *model.JobRecord) string {
	switch job.State {
	case model.StatePending:
		return "Pending..."
	case model.StateProcessing:
		return "Processing..."
	case model.StateSuccess:
		return "Task completed"
	case model.StateFailure:
		if job.FailureDetail != "" {
			return job.FailureDetail
		}
		return "Task failed"
	}
	return string(job.State)
}

func (b *Broker) publish(id model.JobID, state model.JobState, status string, report *model.AnalysisReport) {
	b.events.Publish(events.JobEvent{
		TaskID: id,
		State:  state,
		Status: status,
		At:     b.now(),
		Report: report,
	})
}

// notify wakes every waiting consumer.
func (b *Broker) notify() {
	b.wakeMu.Lock()
	close(b.wakeCh)
	b.wakeCh = make(chan struct{})
	b.wakeMu.Unlock()
}

// wakeup returns a channel closed on the next Enqueue.
func (b *Broker) wakeup() <-chan struct{} {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	return b.wakeCh
}
