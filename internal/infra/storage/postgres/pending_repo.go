package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

var _ storage.PendingRepository = (*PendingRepo)(nil)

// PendingRepo implements storage.PendingRepository using PostgreSQL.
type PendingRepo struct {
	db *DB
}

// NewPendingRepo creates a new PostgreSQL pending operation repository.
func NewPendingRepo(db *DB) *PendingRepo {
	return &PendingRepo{db: db}
}

func (r *PendingRepo) Ping(ctx context.Context) error { return r.db.Ping(ctx) }

// Insert stores a new pending record.
func (r *PendingRepo) Insert(ctx context.Context, rec *domain.PendingRecord) (string, error) {
	query := `
		INSERT INTO pending_operations (id, operation_id, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at
	`
	id := uuid.NewString()
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	if err := r.db.QueryRowxContext(ctx, query, id, rec.OperationID, payload).Scan(&rec.CreatedAt); err != nil {
		return "", fmt.Errorf("failed to insert pending operation: %w", err)
	}
	rec.ID = id
	return id, nil
}

// DeleteByID removes a pending record.
func (r *PendingRepo) DeleteByID(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

// FindByOperationID returns the records of an operation id in insertion order.
func (r *PendingRepo) FindByOperationID(ctx context.Context, operationID string) ([]*domain.PendingRecord, error) {
	query := `
		SELECT id, operation_id, payload, created_at
		FROM pending_operations
		WHERE operation_id = $1
		ORDER BY seq ASC
	`

	var recs []*domain.PendingRecord
	if err := r.db.SelectContext(ctx, &recs, query, operationID); err != nil {
		return nil, fmt.Errorf("failed to find pending operations: %w", err)
	}
	return recs, nil
}
