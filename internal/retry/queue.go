package retry

import (
	"context"
	"sync"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

// registry maps a repository value to the queues built over it. Coordinators
// that share a repository therefore share their queues.
var registry sync.Map // storage.PendingRepository -> *Queues

// SharedQueues returns the process-wide queues for repo, creating them on
// first use. repo must be comparable (pointer implementations are).
func SharedQueues(repo storage.PendingRepository) *Queues {
	if v, ok := registry.Load(repo); ok {
		return v.(*Queues)
	}
	v, _ := registry.LoadOrStore(repo, NewQueues())
	return v.(*Queues)
}

// Queues holds one wait queue per operation id. Queues are created lazily and
// live as long as the Queues value.
type Queues struct {
	m sync.Map // operation id -> *queue
}

func NewQueues() *Queues {
	return &Queues{}
}

func (qs *Queues) get(operationID string) *queue {
	if v, ok := qs.m.Load(operationID); ok {
		return v.(*queue)
	}
	v, _ := qs.m.LoadOrStore(operationID, newQueue())
	return v.(*queue)
}

// Len returns the number of records waiting for operationID.
func (qs *Queues) Len(operationID string) int {
	q := qs.get(operationID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// queue is a FIFO of stored records for one operation id.
//
// known holds the ids that are queued or were handed out by take and have not
// reached a terminal outcome yet. Hydration skips them, so a record is never
// offered twice by the same process.
type queue struct {
	mu     sync.Mutex
	items  []*domain.PendingRecord
	known  map[string]struct{}
	signal chan struct{} // closed and replaced on every push
}

func newQueue() *queue {
	return &queue{
		known:  make(map[string]struct{}),
		signal: make(chan struct{}),
	}
}

// pushLocked appends rec unless its id is already known.
func (q *queue) pushLocked(rec *domain.PendingRecord) bool {
	if _, ok := q.known[rec.ID]; ok {
		return false
	}
	q.known[rec.ID] = struct{}{}
	q.items = append(q.items, rec)
	close(q.signal)
	q.signal = make(chan struct{})
	return true
}

func (q *queue) popLocked() (*domain.PendingRecord, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return rec, true
}

// insert stores rec through insertFn and queues it, both under the queue lock
// so a concurrent take cannot hydrate the same record in between.
func (q *queue) insert(insertFn func() (*domain.PendingRecord, error)) (*domain.PendingRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := insertFn()
	if err != nil {
		return nil, err
	}
	q.pushLocked(rec)
	return rec, nil
}

// take returns the head of the queue, blocking until one is available or ctx
// ends. When the queue is empty it is first filled with every record load
// returns.
func (q *queue) take(ctx context.Context, load func(context.Context) ([]*domain.PendingRecord, error)) (*domain.PendingRecord, error) {
	q.mu.Lock()
	if len(q.items) == 0 {
		recs, err := load(ctx)
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}
		for _, rec := range recs {
			q.pushLocked(rec)
		}
	}

	for {
		if rec, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return rec, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
		q.mu.Lock()
	}
}

// release forgets id after a terminal outcome and drops it from the queue if
// it is still waiting there.
func (q *queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.known, id)
	for i, rec := range q.items {
		if rec.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// requeue puts a record that was handed out back at the tail. Records still
// waiting in the queue are left where they are.
func (q *queue) requeue(rec *domain.PendingRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == rec.ID {
			return
		}
	}
	delete(q.known, rec.ID)
	q.pushLocked(rec)
}
