package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher delivers a task body to the step endpoint. TimerQueue drives
// its callbacks through this seam so it can be wired to an in-process
// handler (tests, single-binary dev mode) or a real HTTP client;
// RedisDelayQueue POSTs to its callback URL itself and does not use it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, task Task) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, task Task) error { return f(ctx, task) }

// TimerQueue is the development Work Queue implementation: an in-process
// time.AfterFunc scheduler with no external dependency. It satisfies the
// Queue contract but does not survive process restart — a development
// convenience, not a durable queue.
type TimerQueue struct {
	dispatcher Dispatcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stats   Stats
}

// NewTimerQueue constructs a TimerQueue that delivers due tasks to d.
func NewTimerQueue(d Dispatcher) *TimerQueue {
	return &TimerQueue{dispatcher: d, timers: make(map[string]*time.Timer)}
}

// ScheduleNextStep implements Queue.
func (q *TimerQueue) ScheduleNextStep(ctx context.Context, task Task, delay time.Duration) (string, error) {
	id := uuid.NewString()
	q.mu.Lock()
	q.stats.Pending++
	q.timers[id] = time.AfterFunc(delay, func() { q.fire(id, task) })
	q.mu.Unlock()
	return id, nil
}

// ScheduleImmediate implements Queue.
func (q *TimerQueue) ScheduleImmediate(ctx context.Context, task Task) (string, error) {
	task.Priority = PriorityHigh
	return q.ScheduleNextStep(ctx, task, 100*time.Millisecond)
}

// ScheduleBatch implements Queue.
func (q *TimerQueue) ScheduleBatch(ctx context.Context, tasks []Task, delays []time.Duration) ([]string, error) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		id, err := q.ScheduleNextStep(ctx, t, delays[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Cancel implements Queue. It stops the timer if it hasn't fired yet;
// TimerQueue can support real cancellation (unlike a dispatched HTTP
// callback), so this is not a no-op.
func (q *TimerQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[taskID]; ok {
		t.Stop()
		delete(q.timers, taskID)
		q.stats.Pending--
	}
	return nil
}

// Stats implements Queue.
func (q *TimerQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, nil
}

// Health implements Queue. TimerQueue has no external dependency to check.
func (q *TimerQueue) Health(ctx context.Context) error { return nil }

func (q *TimerQueue) fire(id string, task Task) {
	q.mu.Lock()
	delete(q.timers, id)
	q.mu.Unlock()

	err := q.dispatcher.Dispatch(context.Background(), task)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Pending--
	if err != nil {
		q.stats.Failed++
		return
	}
	q.stats.Delivered++
}
