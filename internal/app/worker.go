package app

import (
	"context"
	"errors"
	"net"
	"sync"

	"visiongate/internal/config"
	"visiongate/internal/logger"
	"visiongate/internal/service/events"
	"visiongate/internal/service/pool"
	"visiongate/internal/service/queue"
	"visiongate/internal/service/transport"
)

// Worker answers bridge requests from the pool. With QUEUE_CONSUME it also
// claims jobs from the shared SQLite queue.
type Worker struct {
	config   *config.Config
	logger   *logger.Logger
	pool     *pool.Pool
	server   *transport.Server
	broker   *queue.Broker
	consumer *queue.Consumer
	mqtt     *events.MQTTEmitter

	res       resources
	bg        *background
	closeOnce sync.Once
}

// NewWorker loads the detectors and wires the bridge server.
func NewWorker(ctx context.Context, cfg *config.Config, logger *logger.Logger, factory DetectorFactory) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("worker needs a detector")
	}
	if cfg.QueueConsume && cfg.QueueBackend != config.BackendSQLite {
		return nil, errors.New("QUEUE_CONSUME needs QUEUE_BACKEND=sqlite")
	}

	w := &Worker{config: cfg, logger: logger}

	var err error
	if w.pool, err = newPool(cfg, factory, &w.res, logger); err != nil {
		w.res.close(logger)
		return nil, err
	}

	if cfg.QueueConsume {
		jobs, err := openJobRepository(cfg, &w.res)
		if err != nil {
			w.res.close(logger)
			return nil, err
		}
		blobs, err := openBlobStore(ctx, cfg, logger)
		if err != nil {
			w.res.close(logger)
			return nil, err
		}
		var publisher events.Publisher = events.Nop{}
		if w.mqtt = newMQTTEmitter(ctx, cfg, "worker", logger); w.mqtt != nil {
			publisher = w.mqtt
		}
		w.broker = newBroker(jobs, blobs, publisher, cfg, logger)
		w.consumer = queue.NewConsumer(w.broker, w.pool, cfg.ProcessingWorkers, cfg.PollInterval, logger)
	}

	w.server = transport.NewServer(transport.ServerOptions{
		Addr:       cfg.BridgeAddr,
		MaxPayload: cfg.MaxPayloadBytes,
		MaxConns:   cfg.MaxConns,
		IOTimeout:  cfg.BridgeTimeout,
	}, w.Handle, logger)
	return w, nil
}

// Handle analyzes one bridge payload and returns the annotated JPEG.
func (w *Worker) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	result, err := w.pool.Submit(ctx, pool.Task{ID: queue.NewJobID(), Image: payload})
	if err != nil {
		return nil, err
	}
	w.logger.Info("Detected %d object(s)", result.Report.TotalObjects)
	return result.Image, nil
}

// Run listens on BRIDGE_ADDR until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", w.config.BridgeAddr)
	if err != nil {
		w.Close()
		return err
	}
	return w.Serve(ctx, l)
}

// Serve is Run on an existing listener. In-flight requests finish before
// it returns.
func (w *Worker) Serve(ctx context.Context, l net.Listener) error {
	var loops []func(context.Context)
	if w.consumer != nil {
		loops = append(loops, w.consumer.Run)
	}
	if w.mqtt != nil {
		loops = append(loops, w.mqtt.Run)
	}
	w.bg = startBackground(ctx, loops...)

	errCh := make(chan error, 1)
	go func() { errCh <- w.server.Serve(l) }()

	var err error
	select {
	case <-ctx.Done():
		w.logger.Info("Shutting down worker")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := w.server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if errors.Is(err, transport.ErrServerClosed) {
		err = nil
	}
	served, failed := w.server.Stats()
	w.logger.Info("Bridge served %d request(s), %d failed", served, failed)
	w.Close()
	return err
}

// Addr returns the bridge listening address once serving.
func (w *Worker) Addr() net.Addr {
	return w.server.Addr()
}

// Close stops background work and releases the pool and detectors.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		if w.broker != nil {
			w.broker.Close()
		}
		if w.bg != nil {
			w.bg.stop()
		}
		w.res.close(w.logger)
	})
}
