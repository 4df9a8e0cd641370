package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/retrier/internal/infra/storage/memory"
	"github.com/vietddude/retrier/internal/metrics"
	"github.com/vietddude/retrier/internal/retry"
	"github.com/vietddude/retrier/internal/retry/backoff"
	"github.com/vietddude/retrier/internal/retry/policy"
)

func newCoordinator(p policy.Policy) (*retry.Coordinator[string], *memory.PendingRepo) {
	repo := memory.NewPendingRepo(memory.NewMemoryStorage())
	return retry.New[string](repo,
		retry.WithQueues(retry.NewQueues()),
		retry.WithRetryPolicy(p),
		retry.WithBackOffPolicy(backoff.None()),
	), repo
}

func runPool(t *testing.T, pool *Pool[string]) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_ProcessesSavedOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(policy.Default())

	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(_ context.Context, op *retry.PendingOperation[string]) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, op.Argument)
		return nil
	}
	pool := NewPool(Config{OperationIDs: []string{"a", "b"}, Concurrency: 2}, c, handler, nil)
	stop := runPool(t, pool)

	for _, id := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			_, err := c.Save(ctx, id, id)
			require.NoError(t, err)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 6
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	for _, id := range []string{"a", "b"} {
		ops, err := c.GetPendingOperations(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, ops)
	}
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	queues := retry.NewQueues()
	c := retry.New[string](memory.NewPendingRepo(memory.NewMemoryStorage()),
		retry.WithQueues(queues),
		retry.WithRetryPolicy(policy.MaxAttempts(2)),
		retry.WithBackOffPolicy(backoff.None()),
	)

	var (
		mu    sync.Mutex
		calls int
	)
	handler := func(context.Context, *retry.PendingOperation[string]) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("receiver down")
	}
	pool := NewPool(Config{OperationIDs: []string{"a"}, DeadLetter: true}, c, handler, nil)
	stop := runPool(t, pool)

	_, err := c.Save(ctx, "a", "payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ops, err := c.GetPendingOperations(ctx, "a"+DeadLetterSuffix)
		return err == nil && len(ops) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	ops, err := c.GetPendingOperations(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, ops)

	dead, err := c.GetPendingOperations(ctx, "a"+DeadLetterSuffix)
	require.NoError(t, err)
	assert.Equal(t, "payload", dead[0].Argument)
	assert.Equal(t, 0, queues.Len("a"+DeadLetterSuffix), "dead letters must not pile up in memory")

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestPool_DeadLettersStayOutOfMemory(t *testing.T) {
	ctx := context.Background()
	queues := retry.NewQueues()
	c := retry.New[string](memory.NewPendingRepo(memory.NewMemoryStorage()),
		retry.WithQueues(queues),
		retry.WithRetryPolicy(policy.Never()),
		retry.WithBackOffPolicy(backoff.None()),
	)

	handler := func(context.Context, *retry.PendingOperation[string]) error {
		return errors.New("receiver down")
	}
	pool := NewPool(Config{OperationIDs: []string{"x"}, Concurrency: 4, DeadLetter: true}, c, handler, nil)
	stop := runPool(t, pool)

	const n = 200
	for i := 0; i < n; i++ {
		_, err := c.Save(ctx, "x", "payload")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ops, err := c.GetPendingOperations(ctx, "x"+DeadLetterSuffix)
		return err == nil && len(ops) == n
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 0, queues.Len("x"+DeadLetterSuffix))
	assert.Equal(t, 0, queues.Len("x"))
}

func TestPool_StopKeepsInFlightOperation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(policy.Always())

	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, _ *retry.PendingOperation[string]) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	pool := NewPool(Config{OperationIDs: []string{"a"}}, c, handler, nil)
	stop := runPool(t, pool)

	saved, err := c.Save(ctx, "a", "payload")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	stop()

	ops, err := c.GetPendingOperations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, saved.ID, ops[0].ID)
}

func TestReporter(t *testing.T) {
	ctx := context.Background()
	c, repo := newCoordinator(policy.Default())

	for i := 0; i < 2; i++ {
		_, err := c.Save(ctx, "reporter-test", "x")
		require.NoError(t, err)
	}

	NewReporter(repo, []string{"reporter-test"}, time.Minute).report(ctx)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PendingOperations.WithLabelValues("reporter-test")))
}
