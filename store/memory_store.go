package store

import (
	"context"
	"sync"
	"time"

	"github.com/stepwise/agentrun/session"
)

// MemoryStore is an in-process Store used by tests; the agentrund binary
// wires RedisStore with either queue provider. It implements
// the same contract as RedisStore without persistence across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]*session.Session
	steps   map[string][]session.StepResult
	metas   map[string]*session.Metadata
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*session.Session),
		steps:  make(map[string][]session.StepResult),
		metas:  make(map[string]*session.Metadata),
	}
}

func cloneSession(s *session.Session) *session.Session {
	cp := *s
	cp.Messages = append([]session.Message(nil), s.Messages...)
	return &cp
}

// SaveState implements Store: replaces the state record and denormalizes
// status, total_cost, total_steps, and last_active_at into meta, mirroring
// SaveStepResult minus the step-history append. MemoryStore has no TTL to
// refresh.
func (m *MemoryStore) SaveState(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.ID] = cloneSession(s)
	if meta, ok := m.metas[s.ID]; ok {
		meta.Status = s.Status
		meta.TotalCost = s.Cost.Total
		meta.TotalSteps = s.StepCount
		meta.LastActiveAt = time.Now()
	}
	return nil
}

// LoadState implements Store.
func (m *MemoryStore) LoadState(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// SaveStepResult implements Store.
func (m *MemoryStore) SaveStepResult(_ context.Context, s *session.Session, result session.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.ID] = cloneSession(s)
	m.steps[s.ID] = append([]session.StepResult{result}, m.steps[s.ID]...)
	if len(m.steps[s.ID]) > maxHistory {
		m.steps[s.ID] = m.steps[s.ID][:maxHistory]
	}
	if meta, ok := m.metas[s.ID]; ok {
		meta.Status = s.Status
		meta.TotalCost = s.Cost.Total
		meta.TotalSteps = s.StepCount
		meta.LastActiveAt = time.Now()
	}
	return nil
}

// CreateMetadata implements Store.
func (m *MemoryStore) CreateMetadata(_ context.Context, meta *session.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *meta
	m.metas[meta.SessionID] = &cp
	return nil
}

// GetMetadata implements Store.
func (m *MemoryStore) GetMetadata(_ context.Context, id string) (*session.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.states {
		if s.Status.Terminal() {
			continue
		}
		if userID != "" {
			if meta, ok := m.metas[id]; !ok || meta.UserID != userID {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetHistory implements Store.
func (m *MemoryStore) GetHistory(_ context.Context, id string, count int) ([]session.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		count = maxHistory
	}
	all := m.steps[id]
	if count > len(all) {
		count = len(all)
	}
	return append([]session.StepResult(nil), all[:count]...), nil
}

// DeleteSession implements Store.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	delete(m.steps, id)
	delete(m.metas, id)
	return nil
}

// CleanupExpired implements Store. MemoryStore has no independent TTL
// clock, so this always reports nothing expired; it exists to satisfy the
// interface for tests that exercise the periodic sweep call site.
func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	return 0, nil
}
