package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/results"
	"github.com/meshcore/meshnode/pkg/status"
	"github.com/meshcore/meshnode/pkg/storage/memstore"
	"github.com/meshcore/meshnode/pkg/types"
)

func newTestPool(t *testing.T, adapter Adapter, workers int) (*Pool, *status.Tracker, *results.Store) {
	t.Helper()
	bus := events.NewBus()
	tracker := status.New(bus, nil)
	store := results.New(memstore.New(), 100, time.Hour)
	pool := New(adapter, tracker, store, bus, "node-a", workers, nil)
	return pool, tracker, store
}

func waitForTerminal(t *testing.T, tracker *status.Tracker, taskID string, timeout time.Duration) types.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s, err := tracker.Get(taskID)
		if err == nil && s.Kind.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return types.TaskStatus{}
}

func TestPool_SubmitAndCompletes(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		return []byte("ok"), nil
	})
	pool, tracker, store := newTestPool(t, adapter, 2)
	pool.Start(context.Background())
	defer pool.Stop()

	task := types.Task{TaskID: "t1", Kind: "embedding", Timeout: time.Second}
	require.NoError(t, pool.Submit(task))

	s := waitForTerminal(t, tracker, "t1", time.Second)
	assert.Equal(t, types.TaskCompleted, s.Kind)

	rec, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), rec.Output)
}

func TestPool_AdapterErrorRecordsFailed(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		return nil, errkind.New(errkind.Internal)
	})
	pool, tracker, _ := newTestPool(t, adapter, 1)
	pool.Start(context.Background())
	defer pool.Stop()

	require.NoError(t, pool.Submit(types.Task{TaskID: "t2", Timeout: time.Second}))

	s := waitForTerminal(t, tracker, "t2", time.Second)
	assert.Equal(t, types.TaskFailed, s.Kind)
	assert.Equal(t, string(errkind.Internal), s.ErrorKind)
}

func TestPool_TimeoutForciblyCancels(t *testing.T) {
	started := make(chan struct{})
	adapter := AdapterFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pool, tracker, _ := newTestPool(t, adapter, 1)
	pool.Start(context.Background())
	defer pool.Stop()

	require.NoError(t, pool.Submit(types.Task{TaskID: "t3", Timeout: 20 * time.Millisecond}))
	<-started

	s := waitForTerminal(t, tracker, "t3", 2*time.Second)
	assert.Equal(t, types.TaskTimeout, s.Kind)
}

func TestPool_BackpressureOnFullQueue(t *testing.T) {
	block := make(chan struct{})
	adapter := AdapterFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		<-block
		return nil, nil
	})
	pool, _, _ := newTestPool(t, adapter, 1)
	pool.Start(context.Background())
	defer func() {
		close(block)
		pool.Stop()
	}()

	capacity := cap(pool.queue)
	var lastErr error
	for i := 0; i < capacity+2; i++ {
		lastErr = pool.Submit(types.Task{TaskID: string(rune('a' + i)), Timeout: time.Second})
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, errkind.Of(errkind.Backpressure)))
}

func TestPool_SubmitAfterStopRejected(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		return nil, nil
	})
	pool, _, _ := newTestPool(t, adapter, 1)
	pool.Start(context.Background())
	pool.Stop()

	err := pool.Submit(types.Task{TaskID: "t4", Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Of(errkind.NodeShuttingDown)))
}
