package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"visiongate/internal/model"
	"visiongate/internal/service/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5001", "Worker bridge address")
	imagePath := flag.String("image", "test_image.jpg", "Image to analyze")
	resultPath := flag.String("out", "result_from_server.jpg", "Where to save the annotated image")
	timeout := flag.Duration("timeout", 30*time.Second, "Round trip timeout")
	maxMB := flag.Int64("max-mb", 32, "Largest reply accepted, in MB")
	flag.Parse()

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("Cannot read image %s: %v", *imagePath, err)
	}

	fmt.Printf("Sending %s (%d bytes) to %s\n", *imagePath, len(data), *addr)

	client := transport.NewClient(*addr, *timeout, *maxMB<<20)
	result, err := client.Exchange(context.Background(), data)
	switch {
	case errors.Is(err, model.ErrConnectionRefused):
		log.Fatalf("Connection refused by %s, is the worker running?", *addr)
	case errors.Is(err, model.ErrEmptyResponse):
		log.Fatalf("Worker returned no result for %s", *imagePath)
	case err != nil:
		log.Fatalf("Exchange failed: %v", err)
	}

	if err := os.WriteFile(*resultPath, result, 0644); err != nil {
		log.Fatalf("Cannot save result: %v", err)
	}
	fmt.Printf("Saved %d bytes to %s\n", len(result), *resultPath)
}
