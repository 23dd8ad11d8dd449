// Package pool runs analyses on a fixed set of workers, each owning its own
// analyzer and model instance.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/ai"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = fmt.Errorf("%w: worker pool stopped", model.ErrUnavailable)

// Analyzer is the work a pool worker performs.
type Analyzer interface {
	Analyze(payload []byte) (*ai.Result, error)
}

// Task is one unit of work, identified by the job it belongs to.
type Task struct {
	ID    model.JobID
	Image []byte
}

type outcome struct {
	result *ai.Result
	err    error
}

type request struct {
	task  Task
	reply chan outcome
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Size      int   `json:"size"`
	Busy      int64 `json:"busy"`
	Queued    int   `json:"queued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Pool bounds concurrent analyses to the number of analyzers.
type Pool struct {
	analyzers       []Analyzer
	processingQueue chan request
	logger          *logger.Logger

	mu       sync.RWMutex
	closed   bool
	inFlight map[model.JobID]struct{}
	claimMu  sync.Mutex
	wg       sync.WaitGroup

	busy      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// New starts one worker per analyzer. queueSize bounds how many tasks wait
// for a free worker; further submissions block.
func New(analyzers []Analyzer, queueSize int, logger *logger.Logger) (*Pool, error) {
	if len(analyzers) == 0 {
		return nil, errors.New("pool needs at least one analyzer")
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		analyzers:       analyzers,
		processingQueue: make(chan request, queueSize),
		inFlight:        make(map[model.JobID]struct{}),
		logger:          logger,
	}

	for i := range analyzers {
		p.wg.Add(1)
		go p.processingWorker(i)
	}

	p.logger.Info("Worker pool started with %d worker(s), queue size %d", len(analyzers), queueSize)
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.analyzers)
}

// Submit waits for a worker, runs the analysis and returns its outcome. A
// task whose ID is already in flight is rejected with model.ErrAlreadyClaimed.
// If ctx ends before a worker picks the task up, Submit returns ctx.Err();
// once picked up, the task runs to completion.
func (p *Pool) Submit(ctx context.Context, task Task) (*ai.Result, error) {
	if err := p.claim(task.ID); err != nil {
		return nil, err
	}

	req := request{task: task, reply: make(chan outcome, 1)}
	if err := p.enqueue(ctx, req); err != nil {
		p.release(task.ID)
		return nil, err
	}

	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, req request) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.processingQueue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) claim(id model.JobID) error {
	if id == "" {
		return nil
	}
	p.claimMu.Lock()
	defer p.claimMu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return fmt.Errorf("%w: %s", model.ErrAlreadyClaimed, id)
	}
	p.inFlight[id] = struct{}{}
	return nil
}

func (p *Pool) release(id model.JobID) {
	if id == "" {
		return
	}
	p.claimMu.Lock()
	delete(p.inFlight, id)
	p.claimMu.Unlock()
}

// processingWorker analyzes tasks with the analyzer at workerID.
func (p *Pool) processingWorker(workerID int) {
	defer p.wg.Done()

	p.logger.Info("Processing worker %d started", workerID)
	for req := range p.processingQueue {
		req.reply <- p.run(workerID, req.task)
	}
	p.logger.Info("Processing worker %d stopped", workerID)
}

func (p *Pool) run(workerID int, task Task) (out outcome) {
	p.busy.Add(1)
	log := p.logger.With("worker", workerID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Worker panic on job %s: %v", task.ID, r)
			out = outcome{err: fmt.Errorf("%w: worker panic: %v", model.ErrModel, r)}
		}
		if out.err != nil {
			p.failed.Add(1)
		} else {
			p.processed.Add(1)
		}
		p.busy.Add(-1)
		p.release(task.ID)
	}()

	result, err := p.analyzers[workerID].Analyze(task.Image)
	if err != nil {
		log.Warning("Job %s failed: %v", task.ID, err)
		return outcome{err: err}
	}
	log.Info("Job %s analyzed: %d object(s)", task.ID, result.Report.TotalObjects)
	return outcome{result: result}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      len(p.analyzers),
		Busy:      p.busy.Load(),
		Queued:    len(p.processingQueue),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stop rejects new tasks, lets queued tasks finish and waits for all workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.processingQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("All processing workers stopped")
}
