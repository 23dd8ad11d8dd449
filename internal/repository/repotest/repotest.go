// Package repotest holds behaviour tests shared by every JobRepository
// implementation.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"visiongate/internal/model"
	"visiongate/internal/repository"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) repository.JobRepository

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func insert(t *testing.T, repo repository.JobRepository, id string, at time.Time, payload []byte) {
	t.Helper()
	job := &model.JobRecord{ID: model.JobID(id), State: model.StatePending, SubmittedAt: at}
	if err := repo.Insert(context.Background(), job, payload); err != nil {
		t.Fatalf("Failed to insert %s: %v", id, err)
	}
}

// Run exercises the repository contract.
func Run(t *testing.T, newRepo Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newRepo(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newRepo(t)) })
	t.Run("ClaimFIFO", func(t *testing.T) { testClaimFIFO(t, newRepo(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newRepo(t)) })
	t.Run("CompleteAndFail", func(t *testing.T) { testCompleteAndFail(t, newRepo(t)) })
	t.Run("TransitionsAreMonotonic", func(t *testing.T) { testMonotonic(t, newRepo(t)) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, newRepo(t)) })
	t.Run("FailStale", func(t *testing.T) { testFailStale(t, newRepo(t)) })
	t.Run("HeartbeatKeepsJobAlive", func(t *testing.T) { testHeartbeatKeepsJobAlive(t, newRepo(t)) })
	t.Run("HeartbeatRequiresProcessing", func(t *testing.T) { testHeartbeatRequiresProcessing(t, newRepo(t)) })
	t.Run("DeleteFinishedBefore", func(t *testing.T) { testDeleteFinishedBefore(t, newRepo(t)) })
	t.Run("CountByState", func(t *testing.T) { testCountByState(t, newRepo(t)) })
}

func testInsertAndGet(t *testing.T, repo repository.JobRepository) {
	insert(t, repo, "job-1", epoch, []byte("payload"))

	job, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if job.State != model.StatePending {
		t.Errorf("Expected PENDING, got %s", job.State)
	}
	if !job.SubmittedAt.Equal(epoch) {
		t.Errorf("Expected submitted at %s, got %s", epoch, job.SubmittedAt)
	}
	if job.PayloadSize != int64(len("payload")) {
		t.Errorf("Expected payload size 7, got %d", job.PayloadSize)
	}
	if job.StartedAt != nil || job.FinishedAt != nil || job.Report != nil {
		t.Errorf("New job should have no progress fields: %+v", job)
	}

	if err := repo.Insert(context.Background(), &model.JobRecord{ID: "job-1", SubmittedAt: epoch}, nil); err == nil {
		t.Error("Expected duplicate insert to fail")
	}
}

func testGetUnknown(t *testing.T, repo repository.JobRepository) {
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testClaimFIFO(t *testing.T, repo repository.JobRepository) {
	for i := 0; i < 3; i++ {
		insert(t, repo, fmt.Sprintf("job-%d", i), epoch.Add(time.Duration(i)*time.Second), []byte{byte(i)})
	}

	for i := 0; i < 3; i++ {
		job, payload, err := repo.ClaimNext(context.Background(), epoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("Claim %d failed: %v", i, err)
		}
		if want := model.JobID(fmt.Sprintf("job-%d", i)); job.ID != want {
			t.Errorf("Claim %d: expected %s, got %s", i, want, job.ID)
		}
		if len(payload) != 1 || payload[0] != byte(i) {
			t.Errorf("Claim %d: unexpected payload %v", i, payload)
		}
		if job.State != model.StateProcessing || job.StartedAt == nil {
			t.Errorf("Claimed job should be PROCESSING with a start time: %+v", job)
		}
	}
}

func testClaimEmpty(t *testing.T, repo repository.JobRepository) {
	if _, _, err := repo.ClaimNext(context.Background(), epoch); !errors.Is(err, repository.ErrNoJobAvailable) {
		t.Errorf("Expected ErrNoJobAvailable, got %v", err)
	}
}

func testCompleteAndFail(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "ok", epoch, []byte("a"))
	insert(t, repo, "bad", epoch, []byte("b"))
	repo.ClaimNext(ctx, epoch)
	repo.ClaimNext(ctx, epoch)

	report := model.AnalysisReport{TotalObjects: 3, ClassCounts: map[string]int{"person": 2, "dog": 1}}
	if err := repo.Complete(ctx, "ok", report, "results/ok.jpg", epoch.Add(time.Second)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := repo.Fail(ctx, "bad", model.CodeDecode, "image decode failed", epoch.Add(time.Second)); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	ok, err := repo.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok.State != model.StateSuccess || ok.FinishedAt == nil || ok.ResultKey != "results/ok.jpg" {
		t.Errorf("Unexpected completed job: %+v", ok)
	}
	if ok.Report == nil || ok.Report.TotalObjects != 3 || ok.Report.ClassCounts["person"] != 2 {
		t.Errorf("Report not stored: %+v", ok.Report)
	}

	bad, err := repo.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bad.State != model.StateFailure || bad.FailureKind != model.CodeDecode || bad.FailureDetail == "" {
		t.Errorf("Unexpected failed job: %+v", bad)
	}
}

func testMonotonic(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	report := model.NewReport(nil)

	if err := repo.Complete(ctx, "missing", report, "", epoch); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	insert(t, repo, "job", epoch, []byte("a"))
	if err := repo.Complete(ctx, "job", report, "", epoch); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("PENDING -> SUCCESS should be rejected, got %v", err)
	}
	if err := repo.Fail(ctx, "job", model.CodeModel, "x", epoch); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("PENDING -> FAILURE should be rejected, got %v", err)
	}

	repo.ClaimNext(ctx, epoch)
	if err := repo.Complete(ctx, "job", report, "k", epoch); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := repo.Fail(ctx, "job", model.CodeModel, "x", epoch); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("SUCCESS -> FAILURE should be rejected, got %v", err)
	}
	if err := repo.Complete(ctx, "job", report, "k", epoch); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Second completion should be rejected, got %v", err)
	}

	job, _ := repo.Get(ctx, "job")
	if job.State != model.StateSuccess {
		t.Errorf("Expected SUCCESS to stick, got %s", job.State)
	}
}

func testConcurrentClaims(t *testing.T, repo repository.JobRepository) {
	const jobs = 20
	for i := 0; i < jobs; i++ {
		insert(t, repo, fmt.Sprintf("job-%02d", i), epoch, []byte("x"))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[model.JobID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := repo.ClaimNext(context.Background(), epoch)
				if errors.Is(err, repository.ErrNoJobAvailable) {
					return
				}
				if err != nil {
					t.Errorf("Claim failed: %v", err)
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("Expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("Job %s claimed %d times", id, n)
		}
	}
}

func testFailStale(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "old", epoch, []byte("a"))
	insert(t, repo, "fresh", epoch, []byte("b"))
	insert(t, repo, "waiting", epoch, []byte("c"))
	repo.ClaimNext(ctx, epoch)
	repo.ClaimNext(ctx, epoch.Add(time.Hour))

	ids, err := repo.FailStale(ctx, epoch.Add(30*time.Minute), model.CodeWorkerLost, "worker lost", epoch.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("FailStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("Expected only 'old' to be failed, got %v", ids)
	}

	old, _ := repo.Get(ctx, "old")
	if old.State != model.StateFailure || old.FailureKind != model.CodeWorkerLost {
		t.Errorf("Unexpected stale job: %+v", old)
	}
	fresh, _ := repo.Get(ctx, "fresh")
	if fresh.State != model.StateProcessing {
		t.Errorf("Fresh job should still be PROCESSING, got %s", fresh.State)
	}
	waiting, _ := repo.Get(ctx, "waiting")
	if waiting.State != model.StatePending {
		t.Errorf("Pending job must not be touched, got %s", waiting.State)
	}
}

func testHeartbeatKeepsJobAlive(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "busy", epoch, []byte("a"))
	insert(t, repo, "silent", epoch, []byte("b"))
	repo.ClaimNext(ctx, epoch)
	repo.ClaimNext(ctx, epoch)

	if err := repo.Heartbeat(ctx, "busy", epoch.Add(time.Hour)); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	busy, _ := repo.Get(ctx, "busy")
	if busy.HeartbeatAt == nil || !busy.HeartbeatAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("Expected heartbeat at %v, got %v", epoch.Add(time.Hour), busy.HeartbeatAt)
	}

	ids, err := repo.FailStale(ctx, epoch.Add(30*time.Minute), model.CodeWorkerLost, "worker lost", epoch.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("FailStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "silent" {
		t.Errorf("Expected only 'silent' to be failed, got %v", ids)
	}
	busy, _ = repo.Get(ctx, "busy")
	if busy.State != model.StateProcessing {
		t.Errorf("Job with a recent heartbeat should stay PROCESSING, got %s", busy.State)
	}
}

func testHeartbeatRequiresProcessing(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "queued", epoch, []byte("a"))

	if err := repo.Heartbeat(ctx, "queued", epoch); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for a PENDING job, got %v", err)
	}
	if err := repo.Heartbeat(ctx, "nope", epoch); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testDeleteFinishedBefore(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "expired", epoch, []byte("a"))
	insert(t, repo, "recent", epoch, []byte("b"))
	insert(t, repo, "running", epoch, []byte("c"))
	repo.ClaimNext(ctx, epoch)
	repo.ClaimNext(ctx, epoch)
	repo.ClaimNext(ctx, epoch)
	repo.Complete(ctx, "expired", model.NewReport(nil), "results/expired.jpg", epoch.Add(time.Minute))
	repo.Fail(ctx, "recent", model.CodeModel, "x", epoch.Add(time.Hour))

	deleted, err := repo.DeleteFinishedBefore(ctx, epoch.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != "expired" || deleted[0].ResultKey != "results/expired.jpg" {
		t.Fatalf("Expected only 'expired' to be deleted, got %+v", deleted)
	}

	if _, err := repo.Get(ctx, "expired"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected expired job to be gone, got %v", err)
	}
	for _, id := range []model.JobID{"recent", "running"} {
		if _, err := repo.Get(ctx, id); err != nil {
			t.Errorf("Job %s should be kept: %v", id, err)
		}
	}
}

func testCountByState(t *testing.T, repo repository.JobRepository) {
	ctx := context.Background()
	insert(t, repo, "a", epoch, []byte("a"))
	insert(t, repo, "b", epoch, []byte("b"))
	repo.ClaimNext(ctx, epoch)

	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts[model.StatePending] != 1 || counts[model.StateProcessing] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}
