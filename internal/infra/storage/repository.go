package storage

import (
	"context"
	"errors"

	"github.com/vietddude/retrier/internal/core/domain"
)

var (
	// ErrBatchNotFound is returned when updating a batch that doesn't exist
	ErrBatchNotFound = errors.New("batch not found")
)

// PendingRepository persists operations awaiting execution. Every call is
// independently atomic and safe for concurrent use.
type PendingRepository interface {
	// Insert stores a new record, assigns its ID and returns it
	Insert(ctx context.Context, record *domain.PendingRecord) (string, error)

	// DeleteByID removes a record. Deleting an unknown ID is not an error.
	DeleteByID(ctx context.Context, id string) error

	// FindByOperationID returns every record of an operation id in insertion order
	FindByOperationID(ctx context.Context, operationID string) ([]*domain.PendingRecord, error)
}

// BatchRepository persists batch operations
type BatchRepository interface {
	// InsertBatch stores a new batch, assigns its ID and returns it
	InsertBatch(ctx context.Context, batch *domain.BatchRecord) (string, error)

	// UpdateBatch replaces the items of an existing batch
	UpdateBatch(ctx context.Context, batch *domain.BatchRecord) error

	// DeleteBatch removes a batch. Deleting an unknown ID is not an error.
	DeleteBatch(ctx context.Context, id string) error

	// FindBatches returns every open batch of an operation id
	FindBatches(ctx context.Context, operationID string) ([]*domain.BatchRecord, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
