package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"visiongate/internal/model"
	"visiongate/internal/repository"
	"visiongate/internal/repository/repotest"
)

func newTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "jobs_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dbPath
}

func TestDatabase_Connection(t *testing.T) {
	_, dbPath := newTestDB(t)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file should exist")
	}
}

func TestJobRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.JobRepository {
		db, _ := newTestDB(t)
		return NewJobRepository(db)
	})
}

func TestJobRepository_SharedFileAcrossConnections(t *testing.T) {
	db, dbPath := newTestDB(t)
	producer := NewJobRepository(db)

	other, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to open second connection: %v", err)
	}
	defer other.Close()
	consumer := NewJobRepository(other)

	ctx := context.Background()
	now := time.Now()
	job := &model.JobRecord{ID: "shared", State: model.StatePending, SubmittedAt: now}
	if err := producer.Insert(ctx, job, []byte("frame")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	claimed, payload, err := consumer.ClaimNext(ctx, now)
	if err != nil {
		t.Fatalf("Claim from second connection failed: %v", err)
	}
	if claimed.ID != "shared" || string(payload) != "frame" {
		t.Errorf("Unexpected claim: %+v %q", claimed, payload)
	}

	if _, _, err := producer.ClaimNext(ctx, now); err != repository.ErrNoJobAvailable {
		t.Errorf("Job must not be claimed twice, got %v", err)
	}

	got, err := producer.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != model.StateProcessing {
		t.Errorf("Expected PROCESSING, got %s", got.State)
	}
}

func TestNew_AddsHeartbeatColumnToOlderDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	legacy, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open legacy database: %v", err)
	}
	_, err = legacy.Exec(`
		CREATE TABLE jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			submitted_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			payload BLOB,
			payload_size INTEGER DEFAULT 0,
			report BLOB,
			result_key TEXT DEFAULT '',
			failure_kind TEXT DEFAULT '',
			failure_detail TEXT DEFAULT ''
		);
		INSERT INTO jobs (id, state, submitted_at, started_at) VALUES ('running', 'PROCESSING', 1, 1);
	`)
	legacy.Close()
	if err != nil {
		t.Fatalf("Failed to seed legacy schema: %v", err)
	}

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to migrate legacy database: %v", err)
	}
	defer db.Close()
	repo := NewJobRepository(db)
	ctx := context.Background()

	job, err := repo.Get(ctx, "running")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.HeartbeatAt != nil {
		t.Errorf("Migrated row should have no heartbeat, got %v", job.HeartbeatAt)
	}

	ids, err := repo.FailStale(ctx, time.Unix(0, 2), model.CodeWorkerLost, "worker lost", time.Unix(0, 3))
	if err != nil {
		t.Fatalf("FailStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "running" {
		t.Errorf("Rows without a heartbeat should fall back to started_at, got %v", ids)
	}
}

func TestJobRepository_CancelledContext(t *testing.T) {
	db, _ := newTestDB(t)
	repo := NewJobRepository(db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		call func() error
	}{
		{"FailStale", func() error {
			_, err := repo.FailStale(ctx, time.Now(), model.CodeWorkerLost, "worker lost", time.Now())
			return err
		}},
		{"DeleteFinishedBefore", func() error {
			_, err := repo.DeleteFinishedBefore(ctx, time.Now())
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err == nil {
				t.Error("Expected an error for a cancelled context")
			}
		})
	}
}
