package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

var _ storage.BatchRepository = (*BatchRepo)(nil)

// BatchRepo implements storage.BatchRepository using PostgreSQL. Items are
// kept in a JSONB array.
type BatchRepo struct {
	db *DB
}

// NewBatchRepo creates a new PostgreSQL batch repository.
func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

type batchRow struct {
	ID          string    `db:"id"`
	OperationID string    `db:"operation_id"`
	Items       []byte    `db:"items"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// encodeItems returns the JSON text of items; JSONB parameters are passed as
// text so both drivers accept them.
func encodeItems(items [][]byte) (string, error) {
	if items == nil {
		items = [][]byte{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}

// InsertBatch stores a new batch.
func (r *BatchRepo) InsertBatch(ctx context.Context, b *domain.BatchRecord) (string, error) {
	items, err := encodeItems(b.Items)
	if err != nil {
		return "", fmt.Errorf("failed to encode batch items: %w", err)
	}

	query := `
		INSERT INTO batch_operations (id, operation_id, items, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	id := uuid.NewString()
	if err := r.db.QueryRowxContext(ctx, query, id, b.OperationID, items).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return "", fmt.Errorf("failed to insert batch: %w", err)
	}
	b.ID = id
	return id, nil
}

// UpdateBatch replaces the items of a batch.
func (r *BatchRepo) UpdateBatch(ctx context.Context, b *domain.BatchRecord) error {
	items, err := encodeItems(b.Items)
	if err != nil {
		return fmt.Errorf("failed to encode batch items: %w", err)
	}

	query := `
		UPDATE batch_operations
		SET items = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRowxContext(ctx, query, b.ID, items).Scan(&b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrBatchNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

// DeleteBatch removes a batch.
func (r *BatchRepo) DeleteBatch(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM batch_operations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

// FindBatches returns the batches of an operation id in creation order.
func (r *BatchRepo) FindBatches(ctx context.Context, operationID string) ([]*domain.BatchRecord, error) {
	query := `
		SELECT id, operation_id, items, created_at, updated_at
		FROM batch_operations
		WHERE operation_id = $1
		ORDER BY seq ASC
	`

	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, query, operationID); err != nil {
		return nil, fmt.Errorf("failed to find batches: %w", err)
	}

	out := make([]*domain.BatchRecord, 0, len(rows))
	for _, row := range rows {
		b := &domain.BatchRecord{
			ID:          row.ID,
			OperationID: row.OperationID,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
		if err := json.Unmarshal(row.Items, &b.Items); err != nil {
			return nil, fmt.Errorf("failed to decode items of batch %s: %w", row.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}
