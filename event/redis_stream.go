package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream implements Stream directly on Redis Streams: XADD for
// publish, XREVRANGE for history, and blocking XREAD for subscribe. Redis
// Streams already provide exactly the primitives this needs (append,
// range-read backward, blocking read-from-id with cancellation), so no
// additional message-bus abstraction sits between this type and the Redis
// client.
type RedisStream struct {
	client   redis.UniversalClient
	maxLen   int64
	ttl      time.Duration
	blockFor time.Duration
}

// RedisStreamOption configures a RedisStream at construction.
type RedisStreamOption func(*RedisStream)

// WithMaxLen overrides the approximate max stream length (default 1000).
func WithMaxLen(n int64) RedisStreamOption {
	return func(s *RedisStream) { s.maxLen = n }
}

// WithTTL overrides the stream key TTL refreshed on every publish (default
// 1h).
func WithTTL(d time.Duration) RedisStreamOption {
	return func(s *RedisStream) { s.ttl = d }
}

// WithBlockInterval overrides how long a single XREAD BLOCK call waits
// before Subscribe re-checks the cancel channel (default 2s). Smaller
// values make cancellation more responsive at the cost of extra round
// trips when the stream is idle.
func WithBlockInterval(d time.Duration) RedisStreamOption {
	return func(s *RedisStream) { s.blockFor = d }
}

// NewRedisStream constructs a Stream backed by client.
func NewRedisStream(client redis.UniversalClient, opts ...RedisStreamOption) *RedisStream {
	s := &RedisStream{
		client:   client,
		maxLen:   1000,
		ttl:      time.Hour,
		blockFor: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func streamKey(sessionID string) string {
	return "session-events:" + sessionID
}

// Publish implements Stream.
func (s *RedisStream) Publish(ctx context.Context, id string, ev Event) (string, error) {
	if id == "" {
		return "", errors.New("event: session id required")
	}
	ev.SessionID = id
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("event: marshal: %w", err)
	}
	key := streamKey(id)
	streamID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("event: xadd %q: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("event: expire %q: %w", key, err)
	}
	return streamID, nil
}

// History implements Stream.
func (s *RedisStream) History(ctx context.Context, id string, count int) ([]Event, error) {
	if count <= 0 {
		count = 100
	}
	key := streamKey(id)
	msgs, err := s.client.XRevRangeN(ctx, key, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("event: xrevrange %q: %w", key, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe implements Stream. It loops issuing bounded-duration blocking
// XREAD calls so the cancel channel is checked between blocks even when
// the underlying client has no per-call context deadline.
func (s *RedisStream) Subscribe(ctx context.Context, id string, fromID string, handler func([]Event) error, cancel <-chan struct{}) error {
	key := streamKey(id)
	cursor := fromID
	if cursor == "" {
		cursor = "0"
	}
	for {
		select {
		case <-cancel:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Block:   s.blockFor,
			Count:   100,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // timed out waiting; recheck cancel and re-block
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event: xread %q: %w", key, err)
		}
		if len(res) == 0 {
			continue
		}
		batch := make([]Event, 0, len(res[0].Messages))
		for _, m := range res[0].Messages {
			ev, err := decodeMessage(m)
			if err != nil {
				return err
			}
			batch = append(batch, ev)
			cursor = m.ID
		}
		if len(batch) == 0 {
			continue
		}
		if err := handler(batch); err != nil {
			return err
		}
	}
}

// Cleanup implements Stream.
func (s *RedisStream) Cleanup(ctx context.Context, id string) error {
	key := streamKey(id)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("event: del %q: %w", key, err)
	}
	return nil
}

func decodeMessage(m redis.XMessage) (Event, error) {
	raw, ok := m.Values["data"].(string)
	if !ok {
		return Event{}, fmt.Errorf("event: message %s missing data field", m.ID)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, fmt.Errorf("event: unmarshal message %s: %w", m.ID, err)
	}
	ev.ID = m.ID
	return ev, nil
}
