package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const tasksKey = "tasks"

// queuedTask is the sorted-set member: the task body plus the metadata the
// dispatcher needs to POST it and retry it.
type queuedTask struct {
	ID       string `json:"id"`
	Task     Task   `json:"task"`
	Attempts int    `json:"attempts"`
}

// RedisDelayQueue is the production Work Queue implementation: a Redis
// sorted set of due tasks (`ZADD tasks <due_unix_ms> <task_json>`), polled
// by a background dispatcher that POSTs due tasks to a callback URL,
// retrying up to 3 attempts on a non-2xx response other than 404 (a
// terminal "session not found" answer, which is not retried). It
// reuses the same Redis client as the State Store and Event Stream, so a
// production deployment needs exactly one datastore.
type RedisDelayQueue struct {
	client      redis.UniversalClient
	callbackURL string
	httpClient  *http.Client
	maxAttempts int
	pollEvery   time.Duration
	batchSize   int64
}

// RedisDelayQueueOption configures a RedisDelayQueue at construction.
type RedisDelayQueueOption func(*RedisDelayQueue)

// WithHTTPClient overrides the client used to deliver callbacks.
func WithHTTPClient(c *http.Client) RedisDelayQueueOption {
	return func(q *RedisDelayQueue) { q.httpClient = c }
}

// WithMaxAttempts overrides the retry count on non-2xx responses (default 3).
func WithMaxAttempts(n int) RedisDelayQueueOption {
	return func(q *RedisDelayQueue) { q.maxAttempts = n }
}

// WithPollInterval overrides how often the dispatcher polls for due tasks
// (default 200ms).
func WithPollInterval(d time.Duration) RedisDelayQueueOption {
	return func(q *RedisDelayQueue) { q.pollEvery = d }
}

// NewRedisDelayQueue constructs a RedisDelayQueue that POSTs due tasks to
// callbackURL (the coordinator's /execute-step endpoint).
func NewRedisDelayQueue(client redis.UniversalClient, callbackURL string, opts ...RedisDelayQueueOption) *RedisDelayQueue {
	q := &RedisDelayQueue{
		client:      client,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		pollEvery:   200 * time.Millisecond,
		batchSize:   50,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisDelayQueue) enqueue(ctx context.Context, task Task, due time.Time) (string, error) {
	id := uuid.NewString()
	qt := queuedTask{ID: id, Task: task}
	raw, err := json.Marshal(qt)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.client.ZAdd(ctx, tasksKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return "", fmt.Errorf("queue: zadd task: %w", err)
	}
	return id, nil
}

// ScheduleNextStep implements Queue.
func (q *RedisDelayQueue) ScheduleNextStep(ctx context.Context, task Task, delay time.Duration) (string, error) {
	return q.enqueue(ctx, task, time.Now().Add(delay))
}

// ScheduleImmediate implements Queue.
func (q *RedisDelayQueue) ScheduleImmediate(ctx context.Context, task Task) (string, error) {
	task.Priority = PriorityHigh
	return q.enqueue(ctx, task, time.Now().Add(100*time.Millisecond))
}

// ScheduleBatch implements Queue.
func (q *RedisDelayQueue) ScheduleBatch(ctx context.Context, tasks []Task, delays []time.Duration) ([]string, error) {
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

// Cancel implements Queue as a best-effort no-op: once a task's JSON blob
// is a sorted-set member it can only be removed by exact value, and
// this runtime does not attempt cancellation of dispatched tasks.
// A caller wanting to cancel a not-yet-due task should track the task's
// serialized form itself; RedisDelayQueue does not index by id.
func (q *RedisDelayQueue) Cancel(ctx context.Context, taskID string) error {
	return nil
}

// Stats implements Queue.
func (q *RedisDelayQueue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.client.ZCard(ctx, tasksKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{Pending: pending}, nil
}

// Health implements Queue.
func (q *RedisDelayQueue) Health(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: health: %w", err)
	}
	return nil
}

// Run polls for due tasks and dispatches them until ctx is canceled. It is
// intended to run as a single background goroutine per process.
func (q *RedisDelayQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := q.dispatchDue(ctx); err != nil {
				return err
			}
		}
	}
}

func (q *RedisDelayQueue) dispatchDue(ctx context.Context) error {
	now := time.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, tasksKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: q.batchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: poll due tasks: %w", err)
	}
	for _, raw := range members {
		removed, err := q.client.ZRem(ctx, tasksKey, raw).Result()
		if err != nil {
			return fmt.Errorf("queue: claim task: %w", err)
		}
		if removed == 0 {
			continue // another dispatcher instance already claimed it
		}
		var qt queuedTask
		if err := json.Unmarshal([]byte(raw), &qt); err != nil {
			continue // corrupt entry; drop rather than poison the loop
		}
		go q.deliverWithRetry(ctx, qt)
	}
	return nil
}

func (q *RedisDelayQueue) deliverWithRetry(ctx context.Context, qt queuedTask) {
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if q.post(ctx, qt.Task) == nil {
			return
		}
		if attempt < q.maxAttempts {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
}

func (q *RedisDelayQueue) post(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal callback body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil // terminal: the session no longer exists, so do not retry
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("queue: callback returned %d", resp.StatusCode)
	}
	return nil
}
