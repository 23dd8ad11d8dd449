package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"visiongate/internal/config"
	"visiongate/internal/logger"
	"visiongate/internal/repository"
	"visiongate/internal/repository/memory"
	"visiongate/internal/repository/sqlite"
	"visiongate/internal/service/ai"
	"visiongate/internal/service/events"
	"visiongate/internal/service/pool"
	"visiongate/internal/service/queue"
	"visiongate/internal/service/storage"
)

// DetectorFactory loads one detection model. It is called once per pool
// worker so that no two workers share a model instance.
type DetectorFactory func(workerID int) (ai.Detector, error)

// resources closes what the builders opened, newest first.
type resources []io.Closer

func (r *resources) add(c io.Closer) {
	*r = append(*r, c)
}

func (r resources) close(logger *logger.Logger) {
	for i := len(r) - 1; i >= 0; i-- {
		if err := r[i].Close(); err != nil {
			logger.Warning("Error releasing resource: %v", err)
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newPool loads ProcessingWorkers detectors and starts a pool over them.
func newPool(cfg *config.Config, factory DetectorFactory, res *resources, logger *logger.Logger) (*pool.Pool, error) {
	analyzers := make([]pool.Analyzer, 0, cfg.ProcessingWorkers)
	for i := 0; i < cfg.ProcessingWorkers; i++ {
		detector, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("failed to load detector %d: %w", i, err)
		}
		if c, ok := detector.(io.Closer); ok {
			res.add(c)
		}
		analyzers = append(analyzers, ai.NewAnalyzer(detector, nil, logger.With("worker", i)))
	}

	p, err := pool.New(analyzers, cfg.PoolQueueSize, logger)
	if err != nil {
		return nil, err
	}
	res.add(closerFunc(func() error {
		p.Stop()
		return nil
	}))
	return p, nil
}

// openJobRepository opens the queue backend selected by QUEUE_BACKEND.
func openJobRepository(cfg *config.Config, res *resources) (repository.JobRepository, error) {
	if cfg.QueueBackend == config.BackendMemory {
		return memory.NewJobRepository(), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	res.add(db)
	return sqlite.NewJobRepository(db), nil
}

// openBlobStore opens the result store selected by BLOB_BACKEND.
func openBlobStore(ctx context.Context, cfg *config.Config, logger *logger.Logger) (repository.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	case config.BackendS3:
		return storage.NewS3Store(ctx, cfg.S3, logger)
	default:
		return storage.NewFileStore(cfg.ResultDirectory)
	}
}

// newMQTTEmitter connects to MQTT_BROKER, or returns nil when none is set.
// A failed first connection is logged and retried in the background.
func newMQTTEmitter(ctx context.Context, cfg *config.Config, clientSuffix string, logger *logger.Logger) *events.MQTTEmitter {
	if cfg.MQTTBroker == "" {
		return nil
	}
	emitter := events.NewMQTTEmitter(events.MQTTOptions{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID + "-" + clientSuffix,
		Topic:    cfg.MQTTTopic,
		QoS:      1,
	}, logger)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := emitter.Connect(ctx); err != nil {
		logger.Warning("MQTT broker %s not reachable yet: %v", cfg.MQTTBroker, err)
	}
	return emitter
}

func newBroker(jobs repository.JobRepository, blobs repository.BlobStore, publisher events.Publisher, cfg *config.Config, logger *logger.Logger) *queue.Broker {
	return queue.NewBroker(jobs, blobs, publisher, queue.Options{
		MaxPayload: cfg.MaxPayloadBytes,
		Retention:  cfg.ResultRetention,
		StaleAfter: cfg.OrphanTimeout,
	}, logger)
}

// background runs long-lived loops and waits for them on stop.
type background struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startBackground(ctx context.Context, loops ...func(context.Context)) *background {
	ctx, cancel := context.WithCancel(ctx)
	b := &background{cancel: cancel}
	for _, loop := range loops {
		b.wg.Add(1)
		go func(loop func(context.Context)) {
			defer b.wg.Done()
			loop(ctx)
		}(loop)
	}
	return b
}

func (b *background) stop() {
	b.cancel()
	b.wg.Wait()
}
