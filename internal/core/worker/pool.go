package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/retrier/internal/retry"
	"github.com/vietddude/retrier/internal/retry/backoff"
)

// DeadLetterSuffix is appended to an operation id to form its dead-letter id.
const DeadLetterSuffix = ".dead"

// Handler performs one attempt of a pending operation.
type Handler[T any] func(ctx context.Context, op *retry.PendingOperation[T]) error

// Config controls a Pool.
type Config struct {
	OperationIDs []string
	Concurrency  int  // consumers per operation id
	DeadLetter   bool // save exhausted operations under <id>.dead
	ErrorBackoff time.Duration
}

// Pool runs consumers that take pending operations and execute them.
type Pool[T any] struct {
	cfg     Config
	coord   *retry.Coordinator[T]
	handler Handler[T]
	logger  *slog.Logger
}

// NewPool creates a new consumer pool.
func NewPool[T any](cfg Config, coord *retry.Coordinator[T], handler Handler[T], logger *slog.Logger) *Pool[T] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[T]{cfg: cfg, coord: coord, handler: handler, logger: logger.With("component", "worker")}
}

// Run blocks until ctx ends. Individual failures are logged; Run only
// returns an error if a consumer could not keep running.
func (p *Pool[T]) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range p.cfg.OperationIDs {
		for i := 0; i < p.cfg.Concurrency; i++ {
			g.Go(func() error {
				p.consume(gctx, id)
				return nil
			})
		}
	}
	p.logger.Info("Worker pool started", "operations", p.cfg.OperationIDs, "concurrency", p.cfg.Concurrency)

	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

func (p *Pool[T]) consume(ctx context.Context, operationID string) {
	for {
		op, err := p.coord.TakePendingOperation(ctx, operationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to take pending operation", "operation_id", operationID, "error", err)
			if backoff.Sleep(ctx, p.cfg.ErrorBackoff) != nil {
				return
			}
			continue
		}
		p.process(ctx, op)
	}
}

func (p *Pool[T]) process(ctx context.Context, op *retry.PendingOperation[T]) {
	attempt := func(ctx context.Context, _ T) error {
		return p.handler(ctx, op)
	}

	var recoverFn func(context.Context, T) error
	if p.cfg.DeadLetter {
		recoverFn = func(ctx context.Context, arg T) error {
			// nothing consumes dead letters, so they are stored but never queued
			dead, err := p.coord.Persist(ctx, op.OperationID+DeadLetterSuffix, arg)
			if err != nil {
				return err
			}
			p.logger.Warn("Moved operation to dead letter", "operation_id", op.OperationID, "id", op.ID, "dead_id", dead.ID)
			return nil
		}
	}

	err := p.coord.Execute(ctx, op, attempt, recoverFn)
	switch {
	case err == nil:
		p.logger.Debug("Operation done", "operation_id", op.OperationID, "id", op.ID)
	case errors.Is(err, retry.ErrRetryInterrupted):
		p.logger.Info("Operation interrupted", "operation_id", op.OperationID, "id", op.ID)
	case errors.Is(err, retry.ErrRetryExhausted):
		p.logger.Warn("Operation failed", "operation_id", op.OperationID, "id", op.ID, "error", err)
	default:
		p.logger.Error("Operation execution failed", "operation_id", op.OperationID, "id", op.ID, "error", err)
	}
}
