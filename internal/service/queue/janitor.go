package queue

import (
	"context"
	"time"

	"visiongate/internal/model"
)

// FailStale moves PROCESSING jobs whose heartbeat is older than StaleAfter
// to FAILURE. Such jobs belong to a worker that died and are never re-queued.
func (b *Broker) FailStale(ctx context.Context) (int, error) {
	if b.opts.StaleAfter <= 0 {
		return 0, nil
	}
	now := b.now()
	detail := "worker lost before the job finished"
	ids, err := b.jobs.FailStale(ctx, now.Add(-b.opts.StaleAfter), model.CodeWorkerLost, detail, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		b.logger.With("job_id", id).Warning("Stale job failed")
		b.publish(id, model.StateFailure, detail, nil)
	}
	return len(ids), nil
}

// Sweep removes finished jobs older than the retention window together with
// their result images, and fails stale jobs.
func (b *Broker) Sweep(ctx context.Context) (expired int, stale int, err error) {
	if stale, err = b.FailStale(ctx); err != nil {
		return 0, 0, err
	}
	if b.opts.Retention <= 0 {
		return 0, stale, nil
	}

	jobs, err := b.jobs.DeleteFinishedBefore(ctx, b.now().Add(-b.opts.Retention))
	if err != nil {
		return 0, stale, err
	}
	for _, job := range jobs {
		if job.ResultKey == "" {
			continue
		}
		if err := b.blobs.Delete(ctx, job.ResultKey); err != nil {
			b.logger.Warning("Failed to delete result %s: %v", job.ResultKey, err)
		}
	}
	return len(jobs), stale, nil
}

// RunJanitor sweeps every interval until ctx ends.
func (b *Broker) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, stale, err := b.Sweep(ctx)
			if err != nil {
				b.logger.Error("Retention sweep failed: %v", err)
				continue
			}
			if expired > 0 || stale > 0 {
				b.logger.Info("Retention sweep removed %d job(s), failed %d stale job(s)", expired, stale)
			}
		}
	}
}
