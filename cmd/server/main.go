package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"visiongate/internal/app"
	"visiongate/internal/config"
	"visiongate/internal/logger"
	"visiongate/internal/service/ai"
	"visiongate/internal/service/ai/opencv"
)

func main() {
	cfg := config.Load()
	logger := logger.NewLogger(cfg)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := func(workerID int) (ai.Detector, error) {
		return opencv.NewDNNDetector(cfg.ModelPath, cfg.ConfigPath, cfg.DetectionThreshold, logger.With("worker", workerID))
	}

	application, err := app.NewApp(ctx, cfg, logger, factory)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
}
