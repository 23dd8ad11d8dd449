package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"visiongate/internal/repository"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"results/a.jpg", "results/a.jpg", false},
		{"/results/a.jpg", "results/a.jpg", false},
		{"./results//a.jpg", "results/a.jpg", false},
		{`results\a.jpg`, "results/a.jpg", false},
		{"../etc/passwd", "", true},
		{"results/../../x", "", true},
		{"", "", true},
		{"   ", "", true},
	}

	for _, tt := range tests {
		got, err := sanitizeKey(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sanitizeKey(%q) expected error, got %q", tt.key, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, %v; expected %q", tt.key, got, err, tt.want)
		}
	}
}

func testBlobStore(t *testing.T, store repository.BlobStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "results/missing.jpg"); !errors.Is(err, repository.ErrBlobNotFound) {
		t.Errorf("Expected ErrBlobNotFound, got %v", err)
	}

	if err := store.Put(ctx, "results/job.jpg", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := store.Get(ctx, "results/job.jpg")
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if err := store.Delete(ctx, "results/job.jpg"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "results/job.jpg"); !errors.Is(err, repository.ErrBlobNotFound) {
		t.Errorf("Expected blob to be gone, got %v", err)
	}
	if err := store.Delete(ctx, "results/job.jpg"); err != nil {
		t.Errorf("Deleting a missing blob should succeed, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	testBlobStore(t, store)

	if err := store.Put(context.Background(), "results/kept.jpg", []byte("x"), "image/jpeg"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "results", "kept.jpg")); err != nil {
		t.Errorf("Expected file on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "results", "kept.jpg.tmp")); !os.IsNotExist(err) {
		t.Error("Temporary file should not remain")
	}
}

func TestFileStore_RequiresBasePath(t *testing.T) {
	if _, err := NewFileStore("  "); err == nil {
		t.Error("Expected error for empty base path")
	}
}

func TestMemoryStore(t *testing.T) {
	testBlobStore(t, NewMemoryStore())
}
