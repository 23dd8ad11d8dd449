package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/ai"
)

// trackingAnalyzer records how many analyses overlap.
type trackingAnalyzer struct {
	active  *atomic.Int64
	maxSeen *atomic.Int64
	delay   time.Duration
	block   chan struct{}
	panics  bool
	err     error
}

func (a *trackingAnalyzer) Analyze(payload []byte) (*ai.Result, error) {
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if a.block != nil {
		<-a.block
	}
	time.Sleep(a.delay)
	if a.panics {
		panic("model crashed")
	}
	if a.err != nil {
		return nil, a.err
	}
	return &ai.Result{Image: payload, Report: model.NewReport(nil)}, nil
}

func newPool(t *testing.T, size, queue int, proto trackingAnalyzer) (*Pool, *atomic.Int64) {
	t.Helper()
	var active, maxSeen atomic.Int64
	analyzers := make([]Analyzer, size)
	for i := range analyzers {
		a := proto
		a.active, a.maxSeen = &active, &maxSeen
		analyzers[i] = &a
	}
	p, err := New(analyzers, queue, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, &maxSeen
}

func TestNew_RequiresAnalyzer(t *testing.T) {
	if _, err := New(nil, 1, logger.Nop()); err == nil {
		t.Error("Expected error for empty pool")
	}
}

func TestSubmit_SingleWorkerIsSequential(t *testing.T) {
	p, maxSeen := newPool(t, 1, 10, trackingAnalyzer{delay: 20 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Submit(context.Background(), Task{ID: model.JobID(fmt.Sprint("job-", i)), Image: []byte("x")}); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("Expected at most 1 concurrent analysis, saw %d", got)
	}
	if stats := p.Stats(); stats.Processed != 2 || stats.Busy != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSubmit_BoundedByPoolSize(t *testing.T) {
	const size = 3
	p, maxSeen := newPool(t, size, 20, trackingAnalyzer{delay: 10 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Submit(context.Background(), Task{ID: model.JobID(fmt.Sprint("job-", i)), Image: []byte("x")})
		}(i)
	}
	wg.Wait()

	if got := maxSeen.Load(); got > size {
		t.Errorf("Expected at most %d concurrent analyses, saw %d", size, got)
	}
}

func TestSubmit_ExclusiveClaim(t *testing.T) {
	block := make(chan struct{})
	p, _ := newPool(t, 2, 2, trackingAnalyzer{block: block})

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), Task{ID: "job-1", Image: []byte("x")})
		done <- err
	}()

	// Wait until the first submission is in flight.
	deadline := time.Now().Add(time.Second)
	for p.Stats().Busy == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := p.Submit(context.Background(), Task{ID: "job-1", Image: []byte("x")}); !errors.Is(err, model.ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("First submission failed: %v", err)
	}

	// Released after completion.
	if _, err := p.Submit(context.Background(), Task{ID: "job-1", Image: []byte("x")}); err != nil {
		t.Errorf("Expected resubmission after release to succeed, got %v", err)
	}
}

func TestSubmit_PanicReleasesWorker(t *testing.T) {
	p, _ := newPool(t, 1, 1, trackingAnalyzer{panics: true})

	_, err := p.Submit(context.Background(), Task{ID: "job-1", Image: []byte("x")})
	if !errors.Is(err, model.ErrModel) {
		t.Fatalf("Expected ErrModel from panic, got %v", err)
	}

	_, err = p.Submit(context.Background(), Task{ID: "job-1", Image: []byte("x")})
	if !errors.Is(err, model.ErrModel) {
		t.Errorf("Worker should be reusable after a panic, got %v", err)
	}
	if stats := p.Stats(); stats.Failed != 2 || stats.Busy != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSubmit_PropagatesAnalysisError(t *testing.T) {
	p, _ := newPool(t, 1, 1, trackingAnalyzer{err: model.ErrDecode})

	if _, err := p.Submit(context.Background(), Task{ID: "job-1", Image: nil}); !errors.Is(err, model.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestSubmit_BackpressureHonoursContext(t *testing.T) {
	block := make(chan struct{})
	p, _ := newPool(t, 1, 0, trackingAnalyzer{block: block})
	defer close(block)

	go p.Submit(context.Background(), Task{ID: "busy", Image: []byte("x")})
	deadline := time.Now().Add(time.Second)
	for p.Stats().Busy == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, Task{ID: "waiting", Image: []byte("x")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded while the pool is saturated, got %v", err)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	p, _ := newPool(t, 1, 1, trackingAnalyzer{})
	p.Stop()

	if _, err := p.Submit(context.Background(), Task{ID: "late", Image: []byte("x")}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if _, err := p.Submit(context.Background(), Task{ID: "late", Image: []byte("x")}); !errors.Is(err, model.ErrUnavailable) {
		t.Errorf("ErrPoolClosed should match ErrUnavailable, got %v", err)
	}
}
