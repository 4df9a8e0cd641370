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

var _ storage.PendingRepository = (*PendingRepo)(nil)

// PendingRepo implements storage.PendingRepository using Redis. Each record is
// a JSON string; a sorted set per operation id indexes the record ids in
// insertion order.
type PendingRepo struct {
	client *Client
}

// NewPendingRepo creates a new Redis-backed pending operation repository.
func NewPendingRepo(client *Client) *PendingRepo {
	return &PendingRepo{client: client}
}

func (r *PendingRepo) Ping(ctx context.Context) error { return r.client.Ping(ctx) }

// Insert stores the record and indexes it in one MULTI/EXEC.
func (r *PendingRepo) Insert(ctx context.Context, rec *domain.PendingRecord) (string, error) {
	score, err := r.client.nextScore(ctx)
	if err != nil {
		return "", err
	}

	stored := rec.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending operation: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.client.pendingKey(stored.ID), data, 0)
		pipe.ZAdd(ctx, r.client.pendingIndexKey(stored.OperationID), redis.Z{Score: score, Member: stored.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert pending operation: %w", err)
	}

	rec.ID, rec.CreatedAt = stored.ID, stored.CreatedAt
	return stored.ID, nil
}

// DeleteByID removes the record and its index entry.
func (r *PendingRepo) DeleteByID(ctx context.Context, id string) error {
	data, err := r.client.rdb.Get(ctx, r.client.pendingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get pending operation: %w", err)
	}

	var rec domain.PendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal pending operation: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.client.pendingKey(id))
		pipe.ZRem(ctx, r.client.pendingIndexKey(rec.OperationID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

// FindByOperationID returns the records of an operation id in insertion order.
func (r *PendingRepo) FindByOperationID(ctx context.Context, operationID string) ([]*domain.PendingRecord, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.client.pendingIndexKey(operationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.client.pendingKey(id)
	}
	values, err := r.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	recs := make([]*domain.PendingRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Data gone but ID still indexed, remove it
			r.client.rdb.ZRem(ctx, r.client.pendingIndexKey(operationID), ids[i])
			continue
		}
		var rec domain.PendingRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending operation %s: %w", ids[i], err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}
