package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

var _ storage.BatchRepository = (*BatchRepo)(nil)

// BatchRepo implements storage.BatchRepository using Redis.
type BatchRepo struct {
	client *Client
}

// NewBatchRepo creates a new Redis-backed batch repository.
func NewBatchRepo(client *Client) *BatchRepo {
	return &BatchRepo{client: client}
}

// InsertBatch stores a new batch.
func (r *BatchRepo) InsertBatch(ctx context.Context, b *domain.BatchRecord) (string, error) {
	score, err := r.client.nextScore(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	b.ID = uuid.NewString()
	b.CreatedAt, b.UpdatedAt = now, now
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.client.batchKey(b.ID), data, 0)
		pipe.ZAdd(ctx, r.client.batchIndexKey(b.OperationID), redis.Z{Score: score, Member: b.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert batch: %w", err)
	}
	return b.ID, nil
}

// UpdateBatch replaces a stored batch. SET XX only writes existing keys.
func (r *BatchRepo) UpdateBatch(ctx context.Context, b *domain.BatchRecord) error {
	b.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	err = r.client.rdb.SetArgs(ctx, r.client.batchKey(b.ID), data, redis.SetArgs{Mode: "XX"}).Err()
	if errors.Is(err, redis.Nil) {
		return storage.ErrBatchNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

// DeleteBatch removes a batch and its index entry.
func (r *BatchRepo) DeleteBatch(ctx context.Context, id string) error {
	data, err := r.client.rdb.Get(ctx, r.client.batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}

	var b domain.BatchRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.client.batchKey(id))
		pipe.ZRem(ctx, r.client.batchIndexKey(b.OperationID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

// FindBatches returns the batches of an operation id in creation order.
func (r *BatchRepo) FindBatches(ctx context.Context, operationID string) ([]*domain.BatchRecord, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.client.batchIndexKey(operationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	batches := make([]*domain.BatchRecord, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.rdb.Get(ctx, r.client.batchKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get batch: %w", err)
		}

		var b domain.BatchRecord
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch %s: %w", id, err)
		}
		batches = append(batches, &b)
	}
	return batches, nil
}
