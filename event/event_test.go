package event_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/event"
)

func TestNewCanonicalizesPayload(t *testing.T) {
	ev, err := event.New("s1", 2, event.TypeStepStart, map[string]string{"tool": "search"})
	require.NoError(t, err)
	assert.Equal(t, event.TypeStepStart, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, int64(2), ev.StepIndex)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "search", payload["tool"])
}

func TestMemoryStreamPublishAndHistory(t *testing.T) {
	ctx := context.Background()
	s := event.NewMemoryStream(0)

	for i := 0; i < 3; i++ {
		ev, err := event.New("s1", int64(i), event.TypeStepStart, nil)
		require.NoError(t, err)
		_, err = s.Publish(ctx, "s1", ev)
		require.NoError(t, err)
	}

	history, err := s.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(2), history[0].StepIndex, "history is newest first")
	assert.Equal(t, int64(0), history[2].StepIndex)
}

func TestMemoryStreamHistoryRespectsMaxLen(t *testing.T) {
	ctx := context.Background()
	s := event.NewMemoryStream(2)

	for i := 0; i < 5; i++ {
		ev, _ := event.New("s1", int64(i), event.TypeStepStart, nil)
		_, _ = s.Publish(ctx, "s1", ev)
	}

	history, err := s.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(4), history[0].StepIndex)
	assert.Equal(t, int64(3), history[1].StepIndex)
}

func TestMemoryStreamSubscribeDeliversInOrderAndStopsOnCancel(t *testing.T) {
	ctx := context.Background()
	s := event.NewMemoryStream(0)
	cancel := make(chan struct{})

	var mu sync.Mutex
	var seen []int64

	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, "s1", "", func(batch []event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range batch {
				seen = append(seen, ev.StepIndex)
			}
			return nil
		}, cancel)
	}()

	for i := 0; i < 3; i++ {
		ev, _ := event.New("s1", int64(i), event.TypeStepStart, nil)
		_, err := s.Publish(ctx, "s1", ev)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	close(cancel)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not exit after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2}, seen)
}

func TestMemoryStreamCleanupRemovesLog(t *testing.T) {
	ctx := context.Background()
	s := event.NewMemoryStream(0)
	ev, _ := event.New("s1", 0, event.TypeStepStart, nil)
	_, err := s.Publish(ctx, "s1", ev)
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx, "s1"))

	history, err := s.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}
