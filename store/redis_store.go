package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepwise/agentrun/session"
)

const (
	maxHistory = 200
	defaultTTL = 24 * time.Hour
)

// RedisStore implements Store directly on three Redis keyspaces:
// `state:{id}` (string), `steps:{id}` (list, newest
// first), and `meta:{id}` (hash). A sorted set indexes active session ids
// by expiry so ListActive and CleanupExpired don't need a Redis SCAN.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore at construction.
type RedisStoreOption func(*RedisStore)

// WithStateTTL overrides the TTL applied to state/steps/meta keys and the
// active-session index entry on every write (default 24h).
func WithStateTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = d }
}

// NewRedisStore constructs a Store backed by client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stateKey(id string) string  { return "state:" + id }
func stepsKey(id string) string  { return "steps:" + id }
func metaKey(id string) string   { return "meta:" + id }
func userKey(u string) string    { return "sessions:user:" + u }

const activeIndexKey = "sessions:active"

// SaveState implements Store: replaces the `state:{id}` record, refreshes
// the `steps:{id}` and `meta:{id}` TTLs, and denormalizes status,
// total_cost, total_steps, and last_active_at into meta, mirroring
// SaveStepResult minus the step-history append.
func (s *RedisStore) SaveState(ctx context.Context, sess *session.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal state %q: %w", sess.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKey(sess.ID), raw, s.ttl)
	pipe.Expire(ctx, stepsKey(sess.ID), s.ttl)
	pipe.HSet(ctx, metaKey(sess.ID), map[string]any{
		"status":         string(sess.Status),
		"total_cost":     sess.Cost.Total,
		"total_steps":    sess.StepCount,
		"last_active_at": time.Now().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, metaKey(sess.ID), s.ttl)
	if sess.Status.Terminal() {
		pipe.ZRem(ctx, activeIndexKey, sess.ID)
	} else {
		pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: float64(time.Now().Add(s.ttl).Unix()), Member: sess.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save state %q: %w", sess.ID, err)
	}
	return nil
}

// LoadState implements Store.
func (s *RedisStore) LoadState(ctx context.Context, id string) (*session.Session, error) {
	raw, err := s.client.Get(ctx, stateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state %q: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("store: unmarshal state %q: %w", id, err)
	}
	return &sess, nil
}

// SaveStepResult implements Store, committing the state write, bounded
// step-history append, and metadata update as a single Redis pipeline.
func (s *RedisStore) SaveStepResult(ctx context.Context, sess *session.Session, result session.StepResult) error {
	stateRaw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal state %q: %w", sess.ID, err)
	}
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal step result %q: %w", sess.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKey(sess.ID), stateRaw, s.ttl)
	pipe.LPush(ctx, stepsKey(sess.ID), resultRaw)
	pipe.LTrim(ctx, stepsKey(sess.ID), 0, maxHistory-1)
	pipe.Expire(ctx, stepsKey(sess.ID), s.ttl)
	pipe.HSet(ctx, metaKey(sess.ID), map[string]any{
		"status":         string(sess.Status),
		"total_cost":     sess.Cost.Total,
		"total_steps":    sess.StepCount,
		"last_active_at": time.Now().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, metaKey(sess.ID), s.ttl)
	if sess.Status.Terminal() {
		pipe.ZRem(ctx, activeIndexKey, sess.ID)
	} else {
		pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: float64(time.Now().Add(s.ttl).Unix()), Member: sess.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save step result %q: %w", sess.ID, err)
	}
	return nil
}

// CreateMetadata implements Store.
func (s *RedisStore) CreateMetadata(ctx context.Context, m *session.Metadata) error {
	modelCfg, err := json.Marshal(m.ModelConfig)
	if err != nil {
		return fmt.Errorf("store: marshal model config %q: %w", m.SessionID, err)
	}
	agentCfg, err := json.Marshal(m.AgentConfig)
	if err != nil {
		return fmt.Errorf("store: marshal agent config %q: %w", m.SessionID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, metaKey(m.SessionID), map[string]any{
		"session_id":     m.SessionID,
		"user_id":        m.UserID,
		"created_at":     m.CreatedAt.Format(time.RFC3339Nano),
		"last_active_at": m.LastActiveAt.Format(time.RFC3339Nano),
		"status":         string(m.Status),
		"total_cost":     m.TotalCost,
		"total_steps":    m.TotalSteps,
		"model_config":   modelCfg,
		"agent_config":   agentCfg,
	})
	pipe.Expire(ctx, metaKey(m.SessionID), s.ttl)
	pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: float64(time.Now().Add(s.ttl).Unix()), Member: m.SessionID})
	if m.UserID != "" {
		pipe.SAdd(ctx, userKey(m.UserID), m.SessionID)
		pipe.Expire(ctx, userKey(m.UserID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: create metadata %q: %w", m.SessionID, err)
	}
	return nil
}

// GetMetadata implements Store.
func (s *RedisStore) GetMetadata(ctx context.Context, id string) (*session.Metadata, error) {
	fields, err := s.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get metadata %q: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	m := &session.Metadata{SessionID: id, UserID: fields["user_id"], Status: session.Status(fields["status"])}
	if v, ok := fields["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = t
		}
	}
	if v, ok := fields["last_active_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.LastActiveAt = t
		}
	}
	if v, ok := fields["total_cost"]; ok {
		_, _ = fmt.Sscanf(v, "%g", &m.TotalCost)
	}
	if v, ok := fields["total_steps"]; ok {
		_, _ = fmt.Sscanf(v, "%d", &m.TotalSteps)
	}
	if v, ok := fields["model_config"]; ok && v != "" {
		_ = json.Unmarshal([]byte(v), &m.ModelConfig)
	}
	if v, ok := fields["agent_config"]; ok && v != "" {
		_ = json.Unmarshal([]byte(v), &m.AgentConfig)
	}
	return m, nil
}

// ListActive implements Store.
func (s *RedisStore) ListActive(ctx context.Context, userID string) ([]string, error) {
	if userID != "" {
		ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: list active for user %q: %w", userID, err)
		}
		now := float64(time.Now().Unix())
		active := make([]string, 0, len(ids))
		for _, id := range ids {
			score, err := s.client.ZScore(ctx, activeIndexKey, id).Result()
			if err == redis.Nil {
				continue // terminal or expired: not in the active index
			}
			if err != nil {
				return nil, fmt.Errorf("store: list active for user %q: %w", userID, err)
			}
			if score >= now {
				active = append(active, id)
			}
		}
		return active, nil
	}
	ids, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", time.Now().Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}
	return ids, nil
}

// GetHistory implements Store.
func (s *RedisStore) GetHistory(ctx context.Context, id string, count int) ([]session.StepResult, error) {
	if count <= 0 {
		count = maxHistory
	}
	raws, err := s.client.LRange(ctx, stepsKey(id), 0, int64(count-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get history %q: %w", id, err)
	}
	results := make([]session.StepResult, 0, len(raws))
	for _, raw := range raws {
		var r session.StepResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("store: unmarshal step result %q: %w", id, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteSession implements Store.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	meta, err := s.GetMetadata(ctx, id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stateKey(id), stepsKey(id), metaKey(id))
	pipe.ZRem(ctx, activeIndexKey, id)
	if err == nil && meta.UserID != "" {
		pipe.SRem(ctx, userKey(meta.UserID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete session %q: %w", id, err)
	}
	return nil
}

// CleanupExpired implements Store. It reconciles the active-session index
// against sessions whose scheduled expiry has passed, removing their index
// entries (the underlying state/steps/meta keys expire on their own TTL;
// this only prunes the index so ListActive doesn't return stale ids in the
// window between key expiry and index cleanup).
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup expired: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.client.ZRem(ctx, activeIndexKey, expired).Err(); err != nil {
		return 0, fmt.Errorf("store: cleanup expired zrem: %w", err)
	}
	return len(expired), nil
}
