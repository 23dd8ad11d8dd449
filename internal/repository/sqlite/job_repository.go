package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"visiongate/internal/model"
	"visiongate/internal/repository"
)

const jobColumns = `id, state, submitted_at, started_at, heartbeat_at, finished_at, payload_size, report, result_key, failure_kind, failure_detail`

// JobRepository implements repository.JobRepository for SQLite.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new SQLite job repository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.JobRecord, error) {
	var (
		job               model.JobRecord
		state             string
		submitted         int64
		started, seen     sql.NullInt64
		finished          sql.NullInt64
		report            []byte
	)
	if err := row.Scan(&job.ID, &state, &submitted, &started, &seen, &finished, &job.PayloadSize,
		&report, &job.ResultKey, &job.FailureKind, &job.FailureDetail); err != nil {
		return nil, err
	}

	job.State = model.JobState(state)
	job.SubmittedAt = fromUnix(submitted)
	if started.Valid {
		t := fromUnix(started.Int64)
		job.StartedAt = &t
	}
	if seen.Valid {
		t := fromUnix(seen.Int64)
		job.HeartbeatAt = &t
	}
	if finished.Valid {
		t := fromUnix(finished.Int64)
		job.FinishedAt = &t
	}
	if len(report) > 0 {
		var r model.AnalysisReport
		if err := msgpack.Unmarshal(report, &r); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		if r.ClassCounts == nil {
			r.ClassCounts = map[string]int{}
		}
		job.Report = &r
	}
	return &job, nil
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Insert adds a new PENDING job with its payload.
func (r *JobRepository) Insert(ctx context.Context, job *model.JobRecord, payload []byte) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO jobs (id, state, submitted_at, payload, payload_size)
		VALUES (?, ?, ?, ?, ?)
	`, string(job.ID), string(model.StatePending), toUnix(job.SubmittedAt), payload, len(payload))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	row := r.db.Conn().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// CountByState returns the number of jobs per state.
func (r *JobRepository) CountByState(ctx context.Context) (map[model.JobState]int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[model.JobState(state)] = n
	}
	return counts, rows.Err()
}

// ClaimNext moves the oldest PENDING job to PROCESSING inside one write
// transaction and hands over its payload. The stored payload is dropped.
func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time) (*model.JobRecord, []byte, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload FROM jobs WHERE state = ? ORDER BY seq LIMIT 1
	`, string(model.StatePending)).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, repository.ErrNoJobAvailable
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, started_at = ?, heartbeat_at = ?, payload = NULL
		WHERE seq = ? AND state = ?
	`, string(model.StateProcessing), toUnix(now), toUnix(now), seq, string(model.StatePending))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, nil, repository.ErrNoJobAvailable
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE seq = ?`, seq))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, payload, nil
}

// Complete moves a PROCESSING job to SUCCESS.
func (r *JobRepository) Complete(ctx context.Context, id model.JobID, report model.AnalysisReport, resultKey string, now time.Time) error {
	encoded, err := msgpack.Marshal(&report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE jobs SET state = ?, finished_at = ?, report = ?, result_key = ?
		WHERE id = ? AND state = ?
	`, string(model.StateSuccess), toUnix(now), encoded, resultKey, string(id), string(model.StateProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return r.checkTransition(ctx, res, id, model.StateSuccess)
}

// Fail moves a PROCESSING job to FAILURE.
func (r *JobRepository) Fail(ctx context.Context, id model.JobID, kind, detail string, now time.Time) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE jobs SET state = ?, finished_at = ?, failure_kind = ?, failure_detail = ?
		WHERE id = ? AND state = ?
	`, string(model.StateFailure), toUnix(now), kind, detail, string(id), string(model.StateProcessing))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return r.checkTransition(ctx, res, id, model.StateFailure)
}

// checkTransition explains a guarded update that touched no row. Callers hold the write lock.
func (r *JobRepository) checkTransition(ctx context.Context, res sql.Result, id model.JobID, next model.JobState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var state string
	err = r.db.Conn().QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, string(id)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job state: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, state, next)
}

// Heartbeat records that the claimant of a PROCESSING job is still working on it.
func (r *JobRepository) Heartbeat(ctx context.Context, id model.JobID, now time.Time) error {
	r.db.Lock()
	defer r.db.Unlock()

	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND state = ?
	`, toUnix(now), string(id), string(model.StateProcessing))
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return r.checkTransition(ctx, res, id, model.StateProcessing)
}

// FailStale fails PROCESSING jobs whose last heartbeat is older than lastSeenBefore.
func (r *JobRepository) FailStale(ctx context.Context, lastSeenBefore time.Time, kind, detail string, now time.Time) ([]model.JobID, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE state = ? AND COALESCE(heartbeat_at, started_at) < ? ORDER BY seq
	`, string(model.StateProcessing), toUnix(lastSeenBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	var ids []model.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale job: %w", err)
		}
		ids = append(ids, model.JobID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate stale jobs: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE jobs SET state = ?, finished_at = ?, failure_kind = ?, failure_detail = ?
		WHERE id = ? AND state = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(model.StateFailure), toUnix(now), kind, detail,
			string(id), string(model.StateProcessing)); err != nil {
			return nil, fmt.Errorf("failed to fail stale job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ids, nil
}

// DeleteFinishedBefore removes terminal jobs that finished before cutoff and
// returns the removed records.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]*model.JobRecord, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND finished_at < ?
	`, string(model.StateSuccess), string(model.StateFailure), toUnix(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}
	var expired []*model.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired job: %w", err)
		}
		expired = append(expired, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate expired jobs: %w", err)
	}
	rows.Close()
	if len(expired) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM jobs WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, job := range expired {
		if _, err := stmt.ExecContext(ctx, string(job.ID)); err != nil {
			return nil, fmt.Errorf("failed to delete job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return expired, nil
}
