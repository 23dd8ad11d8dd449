package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/repository"
	"visiongate/internal/service/ai"
	"visiongate/internal/service/pool"
)

// Submitter runs one analysis on a worker.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) (*ai.Result, error)
}

// Consumer claims pending jobs and runs them on the pool.
type Consumer struct {
	broker       *Broker
	pool         Submitter
	workers      int
	pollInterval time.Duration
	logger       *logger.Logger
}

// NewConsumer creates a Consumer with the given number of claim loops.
func NewConsumer(broker *Broker, pool Submitter, workers int, pollInterval time.Duration, logger *logger.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Consumer{
		broker:       broker,
		pool:         pool,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run fails jobs left behind by crashed workers, then claims and processes
// jobs until ctx ends. Jobs already claimed finish before Run returns.
func (c *Consumer) Run(ctx context.Context) {
	if _, err := c.broker.FailStale(ctx); err != nil {
		c.logger.Error("Failed to recover stale jobs: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.loop(ctx, id)
		}(i)
	}
	c.logger.Info("Queue consumer started with %d loop(s)", c.workers)
	wg.Wait()
	c.logger.Info("Queue consumer stopped")
}

func (c *Consumer) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	log := c.logger.With("consumer", id)

	for {
		wake := c.broker.wakeup()
		processed, err := c.processNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("Failed to process job: %v", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// processNext claims one job and runs it to a terminal state. It reports
// false when nothing was pending.
func (c *Consumer) processNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	b := c.broker
	job, payload, err := b.jobs.ClaimNext(ctx, b.now())
	if errors.Is(err, repository.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := c.logger.With("job_id", job.ID)
	log.Info("Job claimed")
	b.publish(job.ID, model.StateProcessing, StatusText(job), nil)

	// A claimed job is never abandoned mid-flight.
	work := context.WithoutCancel(ctx)

	stop := b.keepAlive(work, job.ID)
	result, err := c.pool.Submit(work, pool.Task{ID: job.ID, Image: payload})
	stop()
	if err != nil {
		return true, b.fail(work, job.ID, err)
	}

	key := ResultKey(job.ID)
	if err := b.blobs.Put(work, key, result.Image, "image/jpeg"); err != nil {
		return true, b.fail(work, job.ID, err)
	}
	if err := b.jobs.Complete(work, job.ID, result.Report, key, b.now()); err != nil {
		b.blobs.Delete(work, key)
		return true, err
	}

	log.Info("Job completed: %d object(s)", result.Report.TotalObjects)
	report := result.Report
	b.publish(job.ID, model.StateSuccess, "Task completed", &report)
	return true, nil
}

// keepAlive renews the heartbeat of a claimed job until the returned stop
// function is called, so that FailStale leaves it alone while it runs.
func (b *Broker) keepAlive(ctx context.Context, id model.JobID) (stop func()) {
	if b.opts.StaleAfter <= 0 {
		return func() {}
	}
	interval := b.opts.StaleAfter / 3
	if interval <= 0 {
		interval = b.opts.StaleAfter
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := b.jobs.Heartbeat(ctx, id, b.now()); err != nil {
					b.logger.With("job_id", id).Warning("Failed to renew heartbeat: %v", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (b *Broker) fail(ctx context.Context, id model.JobID, cause error) error {
	kind := model.ErrorCode(cause)
	detail := cause.Error()
	b.logger.With("job_id", id).Warning("Job failed: %s", detail)

	if err := b.jobs.Fail(ctx, id, kind, detail, b.now()); err != nil {
		return err
	}
	b.publish(id, model.StateFailure, detail, nil)
	return nil
}
