package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/queue"
)

func TestTimerQueueDeliversAfterDelay(t *testing.T) {
	var mu sync.Mutex
	var delivered []queue.Task

	q := queue.NewTimerQueue(queue.DispatcherFunc(func(_ context.Context, task queue.Task) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, task)
		return nil
	}))

	_, err := q.ScheduleNextStep(context.Background(), queue.Task{SessionID: "s1", StepIndex: 1}, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Delivered)
}

func TestTimerQueueCancelPreventsDelivery(t *testing.T) {
	fired := false
	q := queue.NewTimerQueue(queue.DispatcherFunc(func(_ context.Context, task queue.Task) error {
		fired = true
		return nil
	}))

	id, err := q.ScheduleNextStep(context.Background(), queue.Task{SessionID: "s1"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(context.Background(), id))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired)
}

func TestTimerQueueScheduleImmediateUsesHighPriority(t *testing.T) {
	var got queue.Task
	done := make(chan struct{})
	q := queue.NewTimerQueue(queue.DispatcherFunc(func(_ context.Context, task queue.Task) error {
		got = task
		close(done)
		return nil
	}))

	_, err := q.ScheduleImmediate(context.Background(), queue.Task{SessionID: "s1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never delivered")
	}
	assert.Equal(t, queue.PriorityHigh, got.Priority)
}
