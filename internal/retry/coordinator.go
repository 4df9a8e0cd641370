// Package retry persists operations that must eventually succeed and runs
// them under retry and back-off policies.
//
// A Coordinator saves an operation before it is attempted, deletes it once it
// reaches a terminal outcome (success or exhaustion) and keeps it when the
// attempt loop is interrupted, so work that is still owed survives a restart.
// TakePendingOperation lets independent consumers block until work for an
// operation id is available, including records left over by earlier processes.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
	"github.com/vietddude/retrier/internal/metrics"
	"github.com/vietddude/retrier/internal/retry/backoff"
	"github.com/vietddude/retrier/internal/retry/codec"
	"github.com/vietddude/retrier/internal/retry/policy"
)

// PendingOperation is a saved operation awaiting a terminal outcome.
type PendingOperation[T any] struct {
	ID          string
	OperationID string
	Argument    T
	CreatedAt   time.Time

	record *domain.PendingRecord
}

// Func is a retry or recovery callback.
type Func[T, R any] func(ctx context.Context, arg T) (R, error)

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	retry   policy.Policy
	backOff backoff.Policy
	codec   codec.Codec
	logger  *slog.Logger
	queues  *Queues
}

// WithRetryPolicy sets the retry policy. Default is policy.Default().
func WithRetryPolicy(p policy.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithBackOffPolicy sets the back-off policy. Default is backoff.Default().
func WithBackOffPolicy(p backoff.Policy) Option {
	return func(o *options) { o.backOff = p }
}

// WithCodec sets the argument codec. Default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithQueues replaces the process-wide queues shared by every coordinator
// over the same repository.
func WithQueues(q *Queues) Option {
	return func(o *options) { o.queues = q }
}

// Coordinator saves, executes and hands out pending operations of type T.
type Coordinator[T any] struct {
	repo    storage.PendingRepository
	queues  *Queues
	codec   codec.Codec
	retry   policy.Policy
	backOff backoff.Policy
	logger  *slog.Logger
}

// New creates a Coordinator over repo.
func New[T any](repo storage.PendingRepository, opts ...Option) *Coordinator[T] {
	o := options{
		retry:   policy.Default(),
		backOff: backoff.Default(),
		codec:   codec.JSON{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queues == nil {
		o.queues = SharedQueues(repo)
	}

	return &Coordinator[T]{
		repo:    repo,
		queues:  o.queues,
		codec:   o.codec,
		retry:   o.retry,
		backOff: o.backOff,
		logger:  o.logger.With("component", "retry"),
	}
}

// Save persists arg as a pending operation of operationID and queues it for
// TakePendingOperation.
func (c *Coordinator[T]) Save(ctx context.Context, operationID string, arg T) (*PendingOperation[T], error) {
	payload, err := c.codec.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode argument: %w", err)
	}

	q := c.queues.get(operationID)
	rec, err := q.insert(func() (*domain.PendingRecord, error) {
		return c.insert(ctx, operationID, payload)
	})
	if err != nil {
		return nil, err
	}

	metrics.QueueDepth.WithLabelValues(operationID).Set(float64(c.queues.Len(operationID)))
	c.logger.Debug("Saved pending operation", "operation_id", operationID, "id", rec.ID)
	return c.operation(rec, arg), nil
}

// Persist stores arg like Save but does not queue it. Use it for operation
// ids nobody takes from in this process, such as dead letters; the record is
// still picked up when a later TakePendingOperation finds the queue empty.
func (c *Coordinator[T]) Persist(ctx context.Context, operationID string, arg T) (*PendingOperation[T], error) {
	payload, err := c.codec.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode argument: %w", err)
	}

	rec, err := c.insert(ctx, operationID, payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Persisted operation", "operation_id", operationID, "id", rec.ID)
	return c.operation(rec, arg), nil
}

func (c *Coordinator[T]) insert(ctx context.Context, operationID string, payload []byte) (*domain.PendingRecord, error) {
	rec := &domain.PendingRecord{OperationID: operationID, Payload: payload}
	if _, err := c.repo.Insert(ctx, rec); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(operationID, "insert").Inc()
		return nil, fmt.Errorf("save pending operation: %w", err)
	}
	metrics.OperationsSaved.WithLabelValues(operationID).Inc()
	return rec, nil
}

func (c *Coordinator[T]) operation(rec *domain.PendingRecord, arg T) *PendingOperation[T] {
	return &PendingOperation[T]{
		ID:          rec.ID,
		OperationID: rec.OperationID,
		Argument:    arg,
		CreatedAt:   rec.CreatedAt,
		record:      rec,
	}
}

// Execute runs op under the coordinator's policies. See ExecuteValue.
func (c *Coordinator[T]) Execute(ctx context.Context, op *PendingOperation[T], fn func(context.Context, T) error, recoverFn func(context.Context, T) error) error {
	var rec Func[T, struct{}]
	if recoverFn != nil {
		rec = func(ctx context.Context, arg T) (struct{}, error) {
			return struct{}{}, recoverFn(ctx, arg)
		}
	}
	_, err := ExecuteValue[T, struct{}](ctx, c, op, func(ctx context.Context, arg T) (struct{}, error) {
		return struct{}{}, fn(ctx, arg)
	}, rec)
	return err
}

// ExecuteValue attempts fn with op's argument until it succeeds, the retry
// policy denies another attempt, or ctx ends.
//
//   - On success the record is deleted and fn's result returned.
//   - When the policy gives up the record is deleted first. If recoverFn is
//     nil an *ExhaustedError wrapping the last failure is returned; otherwise
//     recoverFn's result is returned, or an *ExhaustedError wrapping its
//     failure.
//   - When ctx ends before an attempt, before a retry decision or during a
//     back-off wait, an *InterruptedError is returned and the record is kept.
//
// The first attempt is always made; the retry policy only decides whether a
// failed attempt is tried again. Store failures are returned as they are.
func ExecuteValue[T, R any](ctx context.Context, c *Coordinator[T], op *PendingOperation[T], fn Func[T, R], recoverFn Func[T, R]) (R, error) {
	var zero R
	logger := c.logger.With("operation_id", op.OperationID, "id", op.ID)
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues(op.OperationID).Observe(time.Since(start).Seconds())
	}()

	retrySession := c.retry.Start()
	backOffSession := c.backOff.Start()

	var (
		attempts int
		lastErr  error
	)
	for ctx.Err() == nil {
		attempts++
		result, err := call(ctx, fn, op.Argument)
		if err == nil {
			metrics.AttemptsTotal.WithLabelValues(op.OperationID, "success").Inc()
			if err := c.remove(context.WithoutCancel(ctx), op); err != nil {
				return zero, err
			}
			metrics.OutcomesTotal.WithLabelValues(op.OperationID, "succeeded").Inc()
			logger.Debug("Operation succeeded", "attempts", attempts)
			return result, nil
		}

		lastErr = err
		metrics.AttemptsTotal.WithLabelValues(op.OperationID, "failure").Inc()
		logger.Debug("Attempt failed", "attempt", attempts, "error", err)

		if ctx.Err() != nil || !retrySession.CanRetry(err) {
			break
		}
		retrySession.RegisterRetry(err)
		if !retrySession.CanRetry(err) {
			break
		}
		if err := backOffSession.BackOff(ctx); err != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		if rec, recErr := c.record(op); recErr != nil {
			logger.Error("Cannot requeue interrupted operation, it stays in the store", "error", recErr)
		} else {
			c.queues.get(op.OperationID).requeue(rec)
		}
		metrics.OutcomesTotal.WithLabelValues(op.OperationID, "interrupted").Inc()
		logger.Info("Retry interrupted, operation kept", "attempts", attempts, "error", err)
		return zero, &InterruptedError{OperationID: op.OperationID, Attempts: attempts, Cause: err}
	}

	// Deleted before recovery runs, so a crash during recovery cannot lead to
	// a second recovery after restart.
	if err := c.remove(context.WithoutCancel(ctx), op); err != nil {
		return zero, err
	}

	if recoverFn == nil {
		metrics.OutcomesTotal.WithLabelValues(op.OperationID, "exhausted").Inc()
		logger.Warn("Retry exhausted", "attempts", attempts, "error", lastErr)
		return zero, &ExhaustedError{OperationID: op.OperationID, Attempts: attempts, Cause: lastErr}
	}

	result, err := call(ctx, recoverFn, op.Argument)
	if err != nil {
		metrics.OutcomesTotal.WithLabelValues(op.OperationID, "exhausted").Inc()
		logger.Warn("Recovery failed", "attempts", attempts, "error", err)
		return zero, &ExhaustedError{OperationID: op.OperationID, Attempts: attempts, Cause: err}
	}
	metrics.OutcomesTotal.WithLabelValues(op.OperationID, "recovered").Inc()
	logger.Info("Operation recovered", "attempts", attempts, "error", lastErr)
	return result, nil
}

// call invokes fn, turning a panic into a *PanicError.
func call[T, R any](ctx context.Context, fn Func[T, R], arg T) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, arg)
}

// Complete deletes op without executing it. Collaborators that finish the
// work by other means use it to end the operation.
func (c *Coordinator[T]) Complete(ctx context.Context, op *PendingOperation[T]) error {
	if err := c.remove(ctx, op); err != nil {
		return err
	}
	metrics.OutcomesTotal.WithLabelValues(op.OperationID, "completed").Inc()
	return nil
}

// remove deletes the stored record and forgets it in the queue.
func (c *Coordinator[T]) remove(ctx context.Context, op *PendingOperation[T]) error {
	if err := c.repo.DeleteByID(ctx, op.ID); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(op.OperationID, "delete").Inc()
		return fmt.Errorf("delete pending operation %s: %w", op.ID, err)
	}
	c.queues.get(op.OperationID).release(op.ID)
	metrics.QueueDepth.WithLabelValues(op.OperationID).Set(float64(c.queues.Len(op.OperationID)))
	return nil
}

// GetPendingOperations returns every stored operation of operationID in
// insertion order.
func (c *Coordinator[T]) GetPendingOperations(ctx context.Context, operationID string) ([]*PendingOperation[T], error) {
	recs, err := c.repo.FindByOperationID(ctx, operationID)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(operationID, "find").Inc()
		return nil, fmt.Errorf("find pending operations: %w", err)
	}

	ops := make([]*PendingOperation[T], 0, len(recs))
	for _, rec := range recs {
		op, err := c.decode(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// TakePendingOperation blocks until a pending operation of operationID is
// available and returns it. Records already in the store, including those
// saved by an earlier process, are loaded whenever the queue runs empty.
// It returns ctx.Err() if ctx ends while waiting.
func (c *Coordinator[T]) TakePendingOperation(ctx context.Context, operationID string) (*PendingOperation[T], error) {
	q := c.queues.get(operationID)
	rec, err := q.take(ctx, func(ctx context.Context) ([]*domain.PendingRecord, error) {
		recs, err := c.repo.FindByOperationID(ctx, operationID)
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues(operationID, "find").Inc()
			return nil, fmt.Errorf("load pending operations: %w", err)
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues(operationID).Set(float64(c.queues.Len(operationID)))

	op, err := c.decode(rec)
	if err != nil {
		// stays known so this process doesn't hand it out again
		c.logger.Error("Dropping undecodable pending operation", "operation_id", operationID, "id", rec.ID, "error", err)
		return nil, err
	}
	return op, nil
}

func (c *Coordinator[T]) decode(rec *domain.PendingRecord) (*PendingOperation[T], error) {
	var arg T
	if err := c.codec.Unmarshal(rec.Payload, &arg); err != nil {
		return nil, fmt.Errorf("decode pending operation %s with %s: %w", rec.ID, c.codec.Name(), err)
	}
	return c.operation(rec, arg), nil
}

// record returns the stored form of op, rebuilding it for operations that
// were constructed by the caller.
func (c *Coordinator[T]) record(op *PendingOperation[T]) (*domain.PendingRecord, error) {
	if op.record != nil {
		return op.record, nil
	}
	payload, err := c.codec.Marshal(op.Argument)
	if err != nil {
		return nil, fmt.Errorf("encode pending operation %s: %w", op.ID, err)
	}
	return &domain.PendingRecord{ID: op.ID, OperationID: op.OperationID, Payload: payload, CreatedAt: op.CreatedAt}, nil
}
