// Package control wires configuration, stores and workers into the running
// webhook delivery service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/retrier/internal/core/config"
	"github.com/vietddude/retrier/internal/core/worker"
	"github.com/vietddude/retrier/internal/delivery"
	"github.com/vietddude/retrier/internal/health"
	"github.com/vietddude/retrier/internal/retry"
	"github.com/vietddude/retrier/internal/retry/codec"
)

// NewCoordinator builds the webhook coordinator from configuration.
func NewCoordinator(cfg *config.AppConfig, stores *Stores, logger *slog.Logger) (*retry.Coordinator[delivery.Message], error) {
	retryPolicy, err := cfg.Retry.Build(delivery.ClassifierRules)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	backOffPolicy, err := cfg.BackOff.Build()
	if err != nil {
		return nil, fmt.Errorf("back-off policy: %w", err)
	}
	c, err := codec.ByName(cfg.Store.Codec)
	if err != nil {
		return nil, err
	}

	return retry.New[delivery.Message](stores.Pending,
		retry.WithRetryPolicy(retryPolicy),
		retry.WithBackOffPolicy(backOffPolicy),
		retry.WithCodec(c),
		retry.WithLogger(logger),
	), nil
}

// App is the webhook delivery service.
type App struct {
	cfg          *config.AppConfig
	stores       *Stores
	coordinator  *retry.Coordinator[delivery.Message]
	pool         *worker.Pool[delivery.Message]
	reporter     *worker.Reporter
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	log          *slog.Logger

	cancel context.CancelFunc
	done   chan error
}

// NewApp creates the service with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, httpClient *http.Client) (*App, error) {
	log := slog.Default().With("component", "app")

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	coordinator, err := NewCoordinator(cfg, stores, slog.Default())
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	sender := delivery.NewSender(cfg.Endpoints(), httpClient, slog.Default())
	handler := func(ctx context.Context, op *retry.PendingOperation[delivery.Message]) error {
		return sender.Send(ctx, op.OperationID, op.ID, op.Argument)
	}
	pool := worker.NewPool(worker.Config{
		OperationIDs: cfg.OperationIDs(),
		Concurrency:  cfg.Worker.Concurrency,
		DeadLetter:   cfg.Worker.DeadLetter,
	}, coordinator, handler, slog.Default())

	healthMon := health.NewMonitor(0)
	healthMon.Register("store", stores.Pinger)

	app := &App{
		cfg:          cfg,
		stores:       stores,
		coordinator:  coordinator,
		pool:         pool,
		reporter:     worker.NewReporter(stores.Pending, cfg.OperationIDs(), cfg.Worker.ReportInterval),
		healthMon:    healthMon,
		healthServer: health.NewServer(healthMon, cfg.Server.Port),
		log:          log,
	}
	if cfg.Server.GRPCPort > 0 {
		app.grpcServer = health.NewGRPCServer(healthMon, cfg.Server.GRPCPort, 0)
	}
	return app, nil
}

// Coordinator returns the coordinator used by the workers.
func (a *App) Coordinator() *retry.Coordinator[delivery.Message] {
	return a.coordinator
}

// Start launches the servers and consumers and returns immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan error, 1)

	// Start Health Server
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Start(ctx); err != nil {
				a.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if a.stores.DB != nil {
		a.stores.DB.StartMetricsCollector(ctx)
	}

	go a.reporter.Start(ctx)

	go func() {
		a.done <- a.pool.Run(ctx)
	}()

	a.log.Info("Service started", "store", a.cfg.Store.Driver, "operations", a.cfg.OperationIDs())
	return nil
}

// Stop interrupts in-flight deliveries, waits for the consumers and closes
// every connection. Interrupted operations stay in the store.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping service...")

	var errs []error
	if a.cancel != nil {
		a.cancel()
		select {
		case err := <-a.done:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("workers did not stop: %w", ctx.Err()))
		}
	}

	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	errs = append(errs, a.healthServer.Stop(ctx))
	errs = append(errs, a.stores.Close())
	return errors.Join(errs...)
}
