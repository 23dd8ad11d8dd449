// Package memory keeps job records in process memory. Records do not
// survive a restart and cannot be shared between processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"visiongate/internal/model"
	"visiongate/internal/repository"
)

type entry struct {
	seq     int64
	job     model.JobRecord
	payload []byte
}

// JobRepository implements repository.JobRepository in memory.
type JobRepository struct {
	mu      sync.Mutex
	seq     int64
	jobs    map[model.JobID]*entry
	pending []model.JobID
}

// NewJobRepository creates an empty repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[model.JobID]*entry)}
}

// Insert adds a new PENDING job.
func (r *JobRepository) Insert(ctx context.Context, job *model.JobRecord, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("failed to insert job %s: duplicate id", job.ID)
	}
	r.seq++
	e := &entry{seq: r.seq, job: *job, payload: payload}
	e.job.State = model.StatePending
	e.job.PayloadSize = int64(len(payload))
	r.jobs[job.ID] = e
	r.pending = append(r.pending, job.ID)
	return nil
}

// Get returns a copy of the record.
func (r *JobRepository) Get(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyJob(&e.job), nil
}

// CountByState returns the number of records per state.
func (r *JobRepository) CountByState(ctx context.Context) (map[model.JobState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[model.JobState]int)
	for _, e := range r.jobs {
		counts[e.job.State]++
	}
	return counts, nil
}

// ClaimNext moves the oldest PENDING job to PROCESSING and hands over its payload.
func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time) (*model.JobRecord, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pending) > 0 {
		id := r.pending[0]
		r.pending = r.pending[1:]
		e, ok := r.jobs[id]
		if !ok || e.job.State != model.StatePending {
			continue
		}
		started, seen := now, now
		e.job.State = model.StateProcessing
		e.job.StartedAt = &started
		e.job.HeartbeatAt = &seen
		payload := e.payload
		e.payload = nil
		return copyJob(&e.job), payload, nil
	}
	return nil, nil, repository.ErrNoJobAvailable
}

// Complete moves a PROCESSING job to SUCCESS.
func (r *JobRepository) Complete(ctx context.Context, id model.JobID, report model.AnalysisReport, resultKey string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, model.StateSuccess)
	if err != nil {
		return err
	}
	finished := now
	e.job.FinishedAt = &finished
	e.job.Report = &report
	e.job.ResultKey = resultKey
	return nil
}

// Fail moves a PROCESSING job to FAILURE.
func (r *JobRepository) Fail(ctx context.Context, id model.JobID, kind, detail string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, model.StateFailure)
	if err != nil {
		return err
	}
	finished := now
	e.job.FinishedAt = &finished
	e.job.FailureKind = kind
	e.job.FailureDetail = detail
	return nil
}

func (r *JobRepository) transition(id model.JobID, next model.JobState) (*entry, error) {
	e, ok := r.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !e.job.State.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, e.job.State, next)
	}
	e.job.State = next
	return e, nil
}

// Heartbeat records that the claimant of a PROCESSING job is still working on it.
func (r *JobRepository) Heartbeat(ctx context.Context, id model.JobID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if e.job.State != model.StateProcessing {
		return fmt.Errorf("%w: heartbeat for %s job", model.ErrInvalidTransition, e.job.State)
	}
	seen := now
	e.job.HeartbeatAt = &seen
	return nil
}

// FailStale fails PROCESSING jobs whose last heartbeat is older than lastSeenBefore.
func (r *JobRepository) FailStale(ctx context.Context, lastSeenBefore time.Time, kind, detail string, now time.Time) ([]model.JobID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []model.JobID
	for id, e := range r.jobs {
		if e.job.State != model.StateProcessing {
			continue
		}
		seen := e.job.HeartbeatAt
		if seen == nil {
			seen = e.job.StartedAt
		}
		if seen == nil || !seen.Before(lastSeenBefore) {
			continue
		}
		finished := now
		e.job.State = model.StateFailure
		e.job.FinishedAt = &finished
		e.job.FailureKind = kind
		e.job.FailureDetail = detail
		failed = append(failed, id)
	}
	sort.Slice(failed, func(i, j int) bool { return r.jobs[failed[i]].seq < r.jobs[failed[j]].seq })
	return failed, nil
}

// DeleteFinishedBefore removes terminal jobs that finished before cutoff and
// returns them.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]*model.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []*model.JobRecord
	for id, e := range r.jobs {
		if !e.job.State.Terminal() || e.job.FinishedAt == nil || !e.job.FinishedAt.Before(cutoff) {
			continue
		}
		deleted = append(deleted, copyJob(&e.job))
		delete(r.jobs, id)
	}
	return deleted, nil
}

func copyJob(job *model.JobRecord) *model.JobRecord {
	c := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.HeartbeatAt != nil {
		t := *job.HeartbeatAt
		c.HeartbeatAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}
	if job.Report != nil {
		report := model.AnalysisReport{
			TotalObjects: job.Report.TotalObjects,
			ClassCounts:  make(map[string]int, len(job.Report.ClassCounts)),
		}
		for k, v := range job.Report.ClassCounts {
			report.ClassCounts[k] = v
		}
		c.Report = &report
	}
	return &c
}
