package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/repository/sqlite"
	"visiongate/internal/service/events"
	"visiongate/internal/service/queue"
	"visiongate/internal/service/storage"
)

func main() {
	dbPath := flag.String("db", "data/jobs.db", "Database path")
	resultsDir := flag.String("results", "data/results", "Directory containing result images")
	sweep := flag.Bool("sweep", false, "Fail stale jobs and remove expired results")
	retention := flag.Duration("retention", time.Hour, "How long finished jobs are kept")
	orphanTimeout := flag.Duration("orphan-timeout", 10*time.Minute, "Age after which PROCESSING jobs are failed")
	flag.Parse()

	fmt.Printf("Preparing job database %s\n", *dbPath)

	// Ensure database directory exists
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Opening the database creates or upgrades the schema
	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	jobs := sqlite.NewJobRepository(db)

	if *sweep {
		blobs, err := storage.NewFileStore(*resultsDir)
		if err != nil {
			log.Fatalf("Failed to open result store: %v", err)
		}
		broker := queue.NewBroker(jobs, blobs, events.Nop{}, queue.Options{
			Retention:  *retention,
			StaleAfter: *orphanTimeout,
		}, logger.Nop())

		expired, stale, err := broker.Sweep(ctx)
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		fmt.Printf("Removed %d expired job(s), failed %d stale job(s)\n", expired, stale)
	}

	counts, err := jobs.CountByState(ctx)
	if err != nil {
		log.Fatalf("Failed to read job counts: %v", err)
	}
	fmt.Printf("\nJob counts:\n")
	for _, state := range []model.JobState{model.StatePending, model.StateProcessing, model.StateSuccess, model.StateFailure} {
		fmt.Printf("   %-10s %d\n", state, counts[state])
	}
}
