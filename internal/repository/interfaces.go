package repository

import (
	"context"
	"errors"
	"time"

	"visiongate/internal/model"
)

// ErrNoJobAvailable is returned by ClaimNext when no job is pending.
var ErrNoJobAvailable = errors.New("no job available")

// ErrBlobNotFound is returned by a BlobStore for an unknown key.
var ErrBlobNotFound = errors.New("blob not found")

// JobRepository defines the interface for job records. Every transition is
// applied only when the record is still in the expected state.
type JobRepository interface {
	// Create operations
	Insert(ctx context.Context, job *model.JobRecord, payload []byte) error

	// Read operations
	Get(ctx context.Context, id model.JobID) (*model.JobRecord, error)
	CountByState(ctx context.Context) (map[model.JobState]int, error)

	// Transition operations
	ClaimNext(ctx context.Context, now time.Time) (*model.JobRecord, []byte, error)
	Complete(ctx context.Context, id model.JobID, report model.AnalysisReport, resultKey string, now time.Time) error
	Fail(ctx context.Context, id model.JobID, kind, detail string, now time.Time) error
	Heartbeat(ctx context.Context, id model.JobID, now time.Time) error
	FailStale(ctx context.Context, lastSeenBefore time.Time, kind, detail string, now time.Time) ([]model.JobID, error)

	// Delete operations
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]*model.JobRecord, error)
}

// BlobStore defines the interface for result image storage.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
