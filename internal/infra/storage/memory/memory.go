package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

var (
	_ storage.PendingRepository = (*PendingRepo)(nil)
	_ storage.BatchRepository   = (*BatchRepo)(nil)
	_ storage.Pinger            = (*MemoryStorage)(nil)
)

// MemoryStorage keeps records in process memory. Nothing survives a restart;
// it backs tests and the "memory" store driver.
type MemoryStorage struct {
	pending map[string][]*domain.PendingRecord // operation id -> records in insertion order
	batches map[string]*domain.BatchRecord
	order   []string // batch ids in creation order
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pending: make(map[string][]*domain.PendingRecord),
		batches: make(map[string]*domain.BatchRecord),
		now:     time.Now,
	}
}

// Ping always succeeds.
func (s *MemoryStorage) Ping(ctx context.Context) error { return nil }

// -----------------------------------------------------------------------------
// Pending Repository
// -----------------------------------------------------------------------------

type PendingRepo struct {
	store *MemoryStorage
}

func NewPendingRepo(store *MemoryStorage) *PendingRepo {
	return &PendingRepo{store: store}
}

func (r *PendingRepo) Ping(ctx context.Context) error { return r.store.Ping(ctx) }

func (r *PendingRepo) Insert(ctx context.Context, rec *domain.PendingRecord) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.store.now()
	}
	r.store.pending[rec.OperationID] = append(r.store.pending[rec.OperationID], rec.Clone())
	return rec.ID, nil
}

func (r *PendingRepo) DeleteByID(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for opID, recs := range r.store.pending {
		for i, rec := range recs {
			if rec.ID != id {
				continue
			}
			recs = append(recs[:i:i], recs[i+1:]...)
			if len(recs) == 0 {
				delete(r.store.pending, opID)
			} else {
				r.store.pending[opID] = recs
			}
			return nil
		}
	}
	return nil
}

func (r *PendingRepo) FindByOperationID(ctx context.Context, operationID string) ([]*domain.PendingRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	recs := r.store.pending[operationID]
	out := make([]*domain.PendingRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

type BatchRepo struct {
	store *MemoryStorage
}

func NewBatchRepo(store *MemoryStorage) *BatchRepo {
	return &BatchRepo{store: store}
}

func (r *BatchRepo) InsertBatch(ctx context.Context, b *domain.BatchRecord) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	b.ID = uuid.NewString()
	now := r.store.now()
	b.CreatedAt, b.UpdatedAt = now, now
	r.store.batches[b.ID] = b.Clone()
	r.store.order = append(r.store.order, b.ID)
	return b.ID, nil
}

func (r *BatchRepo) UpdateBatch(ctx context.Context, b *domain.BatchRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.batches[b.ID]; !ok {
		return storage.ErrBatchNotFound
	}
	b.UpdatedAt = r.store.now()
	r.store.batches[b.ID] = b.Clone()
	return nil
}

func (r *BatchRepo) DeleteBatch(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.batches[id]; !ok {
		return nil
	}
	delete(r.store.batches, id)
	r.store.order = slices.DeleteFunc(r.store.order, func(v string) bool { return v == id })
	return nil
}

func (r *BatchRepo) FindBatches(ctx context.Context, operationID string) ([]*domain.BatchRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.BatchRecord
	for _, id := range r.store.order {
		if b := r.store.batches[id]; b.OperationID == operationID {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}
