// Package batch accumulates items under an operation id and turns the
// completed batch into a single pending retry operation.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
	"github.com/vietddude/retrier/internal/retry"
	"github.com/vietddude/retrier/internal/retry/codec"
)

// Batch is an open batch operation.
type Batch[T any] struct {
	ID          string
	OperationID string
	CreatedAt   time.Time

	mu    sync.Mutex
	items []T
	raw   [][]byte
}

// Items returns a copy of the batch items.
func (b *Batch[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]T(nil), b.items...)
}

// Len returns the number of items.
func (b *Batch[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Manager stores batches of T.
type Manager[T any] struct {
	repo   storage.BatchRepository
	codec  codec.Codec
	logger *slog.Logger
}

// NewManager creates a Manager. A nil codec means JSON.
func NewManager[T any](repo storage.BatchRepository, c codec.Codec, logger *slog.Logger) *Manager[T] {
	if c == nil {
		c = codec.JSON{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[T]{repo: repo, codec: c, logger: logger.With("component", "batch")}
}

// Start opens an empty batch for operationID.
func (m *Manager[T]) Start(ctx context.Context, operationID string) (*Batch[T], error) {
	rec := &domain.BatchRecord{OperationID: operationID}
	if _, err := m.repo.InsertBatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("start batch: %w", err)
	}
	m.logger.Debug("Started batch", "operation_id", operationID, "id", rec.ID)
	return &Batch[T]{ID: rec.ID, OperationID: operationID, CreatedAt: rec.CreatedAt}, nil
}

// Add appends item to b and persists the batch.
func (m *Manager[T]) Add(ctx context.Context, b *Batch[T], item T) error {
	data, err := m.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode batch item: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	raw := append(append([][]byte(nil), b.raw...), data)
	rec := &domain.BatchRecord{ID: b.ID, OperationID: b.OperationID, Items: raw, CreatedAt: b.CreatedAt}
	if err := m.repo.UpdateBatch(ctx, rec); err != nil {
		return fmt.Errorf("add to batch %s: %w", b.ID, err)
	}
	b.raw = raw
	b.items = append(b.items, item)
	return nil
}

// Complete deletes b.
func (m *Manager[T]) Complete(ctx context.Context, b *Batch[T]) error {
	if err := m.repo.DeleteBatch(ctx, b.ID); err != nil {
		return fmt.Errorf("complete batch %s: %w", b.ID, err)
	}
	return nil
}

// CompleteWithCallback saves the items of b as one pending operation of
// c, then deletes b. The returned operation is executed like any other.
//
// A crash between the two steps leaves both the operation and the batch;
// the batch is then completed again on the next run.
func (m *Manager[T]) CompleteWithCallback(ctx context.Context, c *retry.Coordinator[[]T], b *Batch[T]) (*retry.PendingOperation[[]T], error) {
	op, err := c.Save(ctx, b.OperationID, b.Items())
	if err != nil {
		return nil, err
	}
	if err := m.Complete(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Debug("Completed batch", "operation_id", b.OperationID, "id", b.ID, "items", b.Len(), "pending_id", op.ID)
	return op, nil
}

// Pending returns every open batch of operationID.
func (m *Manager[T]) Pending(ctx context.Context, operationID string) ([]*Batch[T], error) {
	recs, err := m.repo.FindBatches(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("find batches: %w", err)
	}

	out := make([]*Batch[T], 0, len(recs))
	for _, rec := range recs {
		b := &Batch[T]{ID: rec.ID, OperationID: rec.OperationID, CreatedAt: rec.CreatedAt, raw: rec.Items}
		for _, data := range rec.Items {
			var item T
			if err := m.codec.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("decode item of batch %s: %w", rec.ID, err)
			}
			b.items = append(b.items, item)
		}
		out = append(out, b)
	}
	return out, nil
}
