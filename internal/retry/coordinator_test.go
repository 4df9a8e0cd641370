package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage/memory"
	"github.com/vietddude/retrier/internal/retry/backoff"
	"github.com/vietddude/retrier/internal/retry/classifier"
	"github.com/vietddude/retrier/internal/retry/policy"
)

type payload struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

var errBoom = errors.New("boom")

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator[payload], *memory.PendingRepo) {
	t.Helper()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())
	opts = append([]Option{WithBackOffPolicy(backoff.None())}, opts...)
	return New[payload](repo, opts...), repo
}

func pendingIDs(t *testing.T, c *Coordinator[payload], operationID string) []string {
	t.Helper()
	ops, err := c.GetPendingOperations(context.Background(), operationID)
	require.NoError(t, err)
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}

func TestSave_PersistsOperation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	op, err := c.Save(ctx, "webhook", payload{URL: "http://a", Body: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, op.ID)

	ops, err := c.GetPendingOperations(ctx, "webhook")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, payload{URL: "http://a", Body: "x"}, ops[0].Argument)
}

func TestExecute_SuccessDeletesRecord(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	op, err := c.Save(ctx, "webhook", payload{Body: "x"})
	require.NoError(t, err)

	got, err := ExecuteValue[payload, string](ctx, c, op, func(_ context.Context, p payload) (string, error) {
		return p.Body + "!", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x!", got)
	assert.Empty(t, pendingIDs(t, c, "webhook"))
}

func TestExecute_NeverMakesOneAttempt(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.Never()))

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		return errBoom
	}, nil)

	require.ErrorIs(t, err, ErrRetryExhausted)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, pendingIDs(t, c, "webhook"))
}

func TestExecute_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.MaxAttempts(3)))

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		return errBoom
	}, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, errBoom, exhausted.Cause)
}

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Empty(t, pendingIDs(t, c, "webhook"))
}

func TestExecute_BackOffBetweenAttempts(t *testing.T) {
	ctx := context.Background()

	var waits []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	c, _ := newTestCoordinator(t,
		WithRetryPolicy(policy.MaxAttempts(4)),
		WithBackOffPolicy(backoff.Exponential(10*time.Millisecond, 2, time.Second, backoff.WithSleeper(sleeper))),
	)

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	err = c.Execute(ctx, op, func(context.Context, payload) error { return errBoom }, nil)
	require.ErrorIs(t, err, ErrRetryExhausted)

	// no wait after the final attempt
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, waits)
}

func TestExecute_AlreadyCancelled(t *testing.T) {
	c, _ := newTestCoordinator(t)

	op, err := c.Save(context.Background(), "webhook", payload{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		return nil
	}, nil)

	require.ErrorIs(t, err, ErrRetryInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
	assert.Equal(t, []string{op.ID}, pendingIDs(t, c, "webhook"))
}

func TestExecute_CancelledDuringBackOff(t *testing.T) {
	c, _ := newTestCoordinator(t,
		WithRetryPolicy(policy.Always()),
		WithBackOffPolicy(backoff.Fixed(time.Hour)),
	)

	op, err := c.Save(context.Background(), "webhook", payload{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls.Add(1)
		return errBoom
	}, nil)

	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{op.ID}, pendingIDs(t, c, "webhook"))
}

func TestExecute_CancelledByCallback(t *testing.T) {
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.Always()))

	op, err := c.Save(context.Background(), "webhook", payload{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		cancel()
		return errBoom
	}, nil)

	require.ErrorIs(t, err, ErrRetryInterrupted)
	assert.Len(t, pendingIDs(t, c, "webhook"), 1)
}

func TestExecute_Recovery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.MaxAttempts(2)))

	op, err := c.Save(ctx, "webhook", payload{Body: "x"})
	require.NoError(t, err)

	got, err := ExecuteValue[payload, string](ctx, c, op,
		func(context.Context, payload) (string, error) { return "", errBoom },
		func(ctx context.Context, p payload) (string, error) {
			// the record is gone before recovery runs
			assert.Empty(t, pendingIDs(t, c, "webhook"))
			return "recovered " + p.Body, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "recovered x", got)
}

func TestExecute_RecoveryFails(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.Never()))

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	errRecover := errors.New("recover failed")
	err = c.Execute(ctx, op,
		func(context.Context, payload) error { return errBoom },
		func(context.Context, payload) error { return errRecover },
	)

	require.ErrorIs(t, err, ErrRetryExhausted)
	require.ErrorIs(t, err, errRecover)
	assert.NotErrorIs(t, err, errBoom)
	assert.Empty(t, pendingIDs(t, c, "webhook"))
}

type clientError struct{}

func (clientError) Error() string                      { return "bad request" }
func (clientError) RetryCategory() classifier.Category { return "client" }

func TestExecute_NonRetryableFailureStopsImmediately(t *testing.T) {
	ctx := context.Background()
	cl := classifier.New(true).SetCategory("client", false)
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.Classified(policy.Always(), cl)))

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		return clientError{}
	}, nil)

	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, calls)
}

func TestExecute_PanicIsAFailure(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.MaxAttempts(2)))

	op, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(ctx, op, func(context.Context, payload) error {
		calls++
		panic("kaboom")
	}, nil)

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.Equal(t, 2, calls)
}

func TestExecute_SharedPoliciesAcrossConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, WithRetryPolicy(policy.MaxAttempts(3)))

	const n = 10
	ops := make([]*PendingOperation[payload], n)
	for i := range ops {
		op, err := c.Save(ctx, "webhook", payload{})
		require.NoError(t, err)
		ops[i] = op
	}

	var calls atomic.Int32
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Execute(ctx, op, func(context.Context, payload) error {
				calls.Add(1)
				return errBoom
			}, nil)
			assert.ErrorIs(t, err, ErrRetryExhausted)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3*n), calls.Load())
}

func TestTake_ReturnsSavedOperation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	saved, err := c.Save(ctx, "webhook", payload{Body: "x"})
	require.NoError(t, err)

	op, err := c.TakePendingOperation(ctx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, op.ID)
	assert.Equal(t, "x", op.Argument.Body)
}

func TestTake_UnblocksOnSave(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		op  *PendingOperation[payload]
		err error
		at  time.Time
	}
	done := make(chan result, 1)
	go func() {
		op, err := c.TakePendingOperation(ctx, "webhook")
		done <- result{op, err, time.Now()}
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("take returned before anything was saved")
	default:
	}

	saved, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)
	savedAt := time.Now()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, saved.ID, r.op.ID)
		assert.Less(t, r.at.Sub(savedAt), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("take did not unblock")
	}
}

func TestTake_HydratesRecordsFromStore(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())

	// saved by an earlier process
	id, err := repo.Insert(ctx, &domain.PendingRecord{OperationID: "webhook", Payload: []byte(`{"body":"old"}`)})
	require.NoError(t, err)

	c := New[payload](repo, WithQueues(NewQueues()))

	takeCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	op, err := c.TakePendingOperation(takeCtx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, id, op.ID)
	assert.Equal(t, "old", op.Argument.Body)
}

func TestTake_CancelledWhileWaiting(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.TakePendingOperation(ctx, "webhook")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTake_NoDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())

	// half the records predate the coordinator, half are saved concurrently
	const n = 50
	for i := 0; i < n; i++ {
		_, err := repo.Insert(ctx, &domain.PendingRecord{OperationID: "webhook", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	c := New[payload](repo, WithQueues(NewQueues()))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	takeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				op, err := c.TakePendingOperation(takeCtx, "webhook")
				if err != nil {
					return
				}
				mu.Lock()
				seen[op.ID]++
				total := len(seen)
				mu.Unlock()
				if total == 2*n {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		_, err := c.Save(ctx, "webhook", payload{})
		require.NoError(t, err)
	}
	wg.Wait()

	require.Len(t, seen, 2*n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "record %s taken more than once", id)
	}
}

func TestTake_InterruptedOperationIsOfferedAgain(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	saved, err := c.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	op, err := c.TakePendingOperation(ctx, "webhook")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = c.Execute(cancelled, op, func(context.Context, payload) error { return nil }, nil)
	require.ErrorIs(t, err, ErrRetryInterrupted)

	takeCtx, cancelTake := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelTake()
	again, err := c.TakePendingOperation(takeCtx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, again.ID)
}

func TestTake_SkipsFinishedOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	first, err := c.Save(ctx, "webhook", payload{Body: "1"})
	require.NoError(t, err)
	second, err := c.Save(ctx, "webhook", payload{Body: "2"})
	require.NoError(t, err)

	// finished without going through the queue
	require.NoError(t, c.Execute(ctx, first, func(context.Context, payload) error { return nil }, nil))

	op, err := c.TakePendingOperation(ctx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, second.ID, op.ID)

	require.NoError(t, c.Complete(ctx, op))
	assert.Empty(t, pendingIDs(t, c, "webhook"))

	takeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.TakePendingOperation(takeCtx, "webhook")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedQueues(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())

	producer := New[payload](repo)
	consumer := New[payload](repo)
	require.Same(t, SharedQueues(repo), producer.queues)
	require.Same(t, producer.queues, consumer.queues)

	saved, err := producer.Save(ctx, "webhook", payload{})
	require.NoError(t, err)

	op, err := consumer.TakePendingOperation(ctx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, op.ID)
}

// failingRepo fails every call.
type failingRepo struct {
	err error
}

func (r *failingRepo) Insert(context.Context, *domain.PendingRecord) (string, error) {
	return "", r.err
}

func (r *failingRepo) DeleteByID(context.Context, string) error { return r.err }

func (r *failingRepo) FindByOperationID(context.Context, string) ([]*domain.PendingRecord, error) {
	return nil, r.err
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	errStore := errors.New("store down")
	c := New[payload](&failingRepo{err: errStore}, WithQueues(NewQueues()), WithBackOffPolicy(backoff.None()))

	_, err := c.Save(ctx, "webhook", payload{})
	require.ErrorIs(t, err, errStore)

	_, err = c.GetPendingOperations(ctx, "webhook")
	require.ErrorIs(t, err, errStore)

	_, err = c.TakePendingOperation(ctx, "webhook")
	require.ErrorIs(t, err, errStore)

	op := &PendingOperation[payload]{ID: "1", OperationID: "webhook"}
	err = c.Execute(ctx, op, func(context.Context, payload) error { return nil }, nil)
	require.ErrorIs(t, err, errStore)
	assert.NotErrorIs(t, err, ErrRetryExhausted)

	err = c.Complete(ctx, op)
	require.ErrorIs(t, err, errStore)
}

func TestGetPendingOperations_UndecodablePayload(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator(t)

	_, err := repo.Insert(ctx, &domain.PendingRecord{OperationID: "webhook", Payload: []byte("not json")})
	require.NoError(t, err)

	_, err = c.GetPendingOperations(ctx, "webhook")
	require.Error(t, err)
}

func TestTake_ReturnsOperationsInSaveOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	var saved []string
	for i := 0; i < 20; i++ {
		op, err := c.Save(ctx, "webhook", payload{Body: string(rune('a' + i))})
		require.NoError(t, err)
		saved = append(saved, op.ID)
	}

	var taken []string
	for range saved {
		op, err := c.TakePendingOperation(ctx, "webhook")
		require.NoError(t, err)
		taken = append(taken, op.ID)
	}
	assert.Equal(t, saved, taken)
}

func TestTake_HydratesInStoreOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())

	for i := 0; i < 5; i++ {
		_, err := repo.Insert(ctx, &domain.PendingRecord{OperationID: "webhook", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	recs, err := repo.FindByOperationID(ctx, "webhook")
	require.NoError(t, err)
	var stored []string
	for _, rec := range recs {
		stored = append(stored, rec.ID)
	}

	c := New[payload](repo, WithQueues(NewQueues()))
	var taken []string
	for range stored {
		op, err := c.TakePendingOperation(ctx, "webhook")
		require.NoError(t, err)
		taken = append(taken, op.ID)
	}
	assert.Equal(t, stored, taken)
}

func TestPersist_StoresWithoutQueueing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	op, err := c.Persist(ctx, "webhook.dead", payload{Body: "x"})
	require.NoError(t, err)

	assert.Equal(t, 0, c.queues.Len("webhook.dead"))
	assert.Equal(t, []string{op.ID}, pendingIDs(t, c, "webhook.dead"))

	// still reachable for a consumer that starts later
	takeCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	taken, err := c.TakePendingOperation(takeCtx, "webhook.dead")
	require.NoError(t, err)
	assert.Equal(t, op.ID, taken.ID)
}

// encodeFailing decodes JSON but refuses to encode.
type encodeFailing struct{}

func (encodeFailing) Name() string                    { return "encode-failing" }
func (encodeFailing) Marshal(any) ([]byte, error)     { return nil, errors.New("cannot encode") }
func (encodeFailing) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

func TestExecute_InterruptedWithoutEncodableArgumentIsNotRequeued(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())
	id, err := repo.Insert(ctx, &domain.PendingRecord{OperationID: "webhook", Payload: []byte(`{"body":"x"}`)})
	require.NoError(t, err)

	c := New[payload](repo, WithQueues(NewQueues()), WithCodec(encodeFailing{}))
	op := &PendingOperation[payload]{ID: id, OperationID: "webhook", Argument: payload{Body: "x"}}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = c.Execute(cancelled, op, func(context.Context, payload) error { return nil }, nil)
	require.ErrorIs(t, err, ErrRetryInterrupted)

	assert.Equal(t, 0, c.queues.Len("webhook"))
	assert.Equal(t, []string{id}, pendingIDs(t, c, "webhook"))
}

// countingPolicy records how often the coordinator registers retries.
type countingPolicy struct {
	inner     policy.Policy
	registers *atomic.Int32
}

func (p countingPolicy) Start() policy.Session {
	return countingSession{Session: p.inner.Start(), registers: p.registers}
}

type countingSession struct {
	policy.Session
	registers *atomic.Int32
}

func (s countingSession) RegisterRetry(err error) {
	s.registers.Add(1)
	s.Session.RegisterRetry(err)
}

func TestExecute_RegistersEveryFailedAttempt(t *testing.T) {
	var registers atomic.Int32
	c, _ := newTestCoordinator(t, WithRetryPolicy(countingPolicy{inner: policy.MaxAttempts(3), registers: &registers}))

	op, err := c.Save(context.Background(), "webhook", payload{})
	require.NoError(t, err)

	var calls int
	err = c.Execute(context.Background(), op, func(context.Context, payload) error {
		calls++
		return errBoom
	}, nil)
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int32(3), registers.Load(), "the terminal failure is registered too")
}
