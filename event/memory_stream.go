package event

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStream is an in-process Stream used by tests; the agentrund binary
// always wires RedisStream. Ids are
// per-session monotonic counters formatted the same shape as a Redis
// Streams id ("<seq>-0") so callers cannot distinguish it from RedisStream
// by id shape alone.
type MemoryStream struct {
	mu      sync.Mutex
	events  map[string][]Event
	seq     map[string]int64
	maxLen  int
}

// NewMemoryStream constructs an empty MemoryStream, capping each session's
// log at maxLen events (0 means the RedisStream default of 1000).
func NewMemoryStream(maxLen int) *MemoryStream {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &MemoryStream{
		events: make(map[string][]Event),
		seq:    make(map[string]int64),
		maxLen: maxLen,
	}
}

// Publish implements Stream.
func (m *MemoryStream) Publish(_ context.Context, id string, ev Event) (string, error) {
	if id == "" {
		return "", fmt.Errorf("event: session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[id]++
	streamID := fmt.Sprintf("%d-0", m.seq[id])
	ev.ID = streamID
	ev.SessionID = id

	log := append(m.events[id], ev)
	if len(log) > m.maxLen {
		log = log[len(log)-m.maxLen:]
	}
	m.events[id] = log
	return streamID, nil
}

// History implements Stream.
func (m *MemoryStream) History(_ context.Context, id string, count int) ([]Event, error) {
	if count <= 0 {
		count = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[id]
	if count > len(log) {
		count = len(log)
	}
	out := make([]Event, count)
	for i := 0; i < count; i++ {
		out[i] = log[len(log)-1-i]
	}
	return out, nil
}

// Subscribe implements Stream. Since MemoryStream has no blocking wait
// primitive, it polls for new events until cancel closes; this is
// sufficient for tests, which is its only real caller.
func (m *MemoryStream) Subscribe(ctx context.Context, id string, fromID string, handler func([]Event) error, cancel <-chan struct{}) error {
	after := fromID
	for {
		select {
		case <-cancel:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		batch := m.newerThan(id, after)
		if len(batch) == 0 {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if err := handler(batch); err != nil {
			return err
		}
		after = batch[len(batch)-1].ID
	}
}

func (m *MemoryStream) newerThan(id, after string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[id]
	if after == "" || after == "0" {
		return append([]Event(nil), log...)
	}
	for i, ev := range log {
		if ev.ID == after {
			return append([]Event(nil), log[i+1:]...)
		}
	}
	return append([]Event(nil), log...)
}

// Cleanup implements Stream.
func (m *MemoryStream) Cleanup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	delete(m.seq, id)
	return nil
}
