package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"visiongate/internal/config"
	"visiongate/internal/logger"
	"visiongate/internal/routes"
	"visiongate/internal/service/events"
	"visiongate/internal/service/pool"
	"visiongate/internal/service/queue"
	"visiongate/internal/service/transport"
)

const shutdownTimeout = 15 * time.Second

// App is the HTTP gateway. It forwards synchronous requests to a worker
// over the bridge and keeps the job queue for asynchronous ones. With
// INPROCESS_WORKERS it also consumes its own queue.
type App struct {
	config   *config.Config
	logger   *logger.Logger
	broker   *queue.Broker
	pool     *pool.Pool
	consumer *queue.Consumer
	hub      *events.HubService
	mqtt     *events.MQTTEmitter
	bridge   *transport.Client
	server   *http.Server

	res       resources
	bg        *background
	closeOnce sync.Once
}

// NewApp wires the gateway. factory is only used when the gateway runs
// its own pool.
func NewApp(ctx context.Context, cfg *config.Config, logger *logger.Logger, factory DetectorFactory) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{config: cfg, logger: logger}

	jobs, err := openJobRepository(cfg, &a.res)
	if err != nil {
		a.res.close(logger)
		return nil, err
	}
	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		a.res.close(logger)
		return nil, err
	}

	a.hub = events.NewHubService(logger)
	publishers := events.Fanout{a.hub}
	if a.mqtt = newMQTTEmitter(ctx, cfg, "gateway", logger); a.mqtt != nil {
		publishers = append(publishers, a.mqtt)
	}
	a.broker = newBroker(jobs, blobs, publishers, cfg, logger)

	if cfg.InProcessWorkers {
		if factory == nil {
			a.res.close(logger)
			return nil, errors.New("INPROCESS_WORKERS needs a detector")
		}
		if a.pool, err = newPool(cfg, factory, &a.res, logger); err != nil {
			a.res.close(logger)
			return nil, err
		}
		a.consumer = queue.NewConsumer(a.broker, a.pool, cfg.ProcessingWorkers, cfg.PollInterval, logger)
	}

	a.bridge = transport.NewClient(cfg.WorkerAddr, cfg.BridgeTimeout, cfg.MaxPayloadBytes)

	router := routes.SetupRoutes(routes.Deps{
		Bridge: a.bridge,
		Broker: a.broker,
		Pool:   a.pool,
		Hub:    a.hub,
	}, cfg, logger)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the HTTP handler of the gateway.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Start launches the event hub, the queue consumer and the retention janitor.
func (a *App) Start(ctx context.Context) {
	loops := []func(context.Context){
		a.hub.Run,
		func(ctx context.Context) { a.broker.RunJanitor(ctx, a.config.RetentionSweep) },
	}
	if a.mqtt != nil {
		loops = append(loops, a.mqtt.Run)
	}
	if a.consumer != nil {
		loops = append(loops, a.consumer.Run)
	}
	a.bg = startBackground(ctx, loops...)
}

// Run serves HTTP on PORT until ctx ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		a.Close()
		return err
	}
	return a.Serve(ctx, l)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, l net.Listener) error {
	a.Start(ctx)

	a.logger.Info("Vision gateway listening on %s (mode %s, worker %s)", l.Addr(), a.config.GatewayMode, a.bridge.Addr())
	if a.pool != nil {
		a.logger.Info("In-process pool with %d worker(s)", a.pool.Size())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(l) }()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down gateway")
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.broker.Close()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	a.Close()
	return err
}

// Close stops background work and releases the pool, detectors and database.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.broker.Close()
		if a.bg != nil {
			a.bg.stop()
		}
		a.res.close(a.logger)
	})
}
