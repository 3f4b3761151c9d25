package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/stepwise/agentrun/event"
)

// stream implements GET /stream: the SSE endpoint. History replay (when
// requested) is filtered against lastEventId compared as a timestamp; see
// parseLeadingMillis for how that comparison is resolved numerically.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	lastEventID := r.URL.Query().Get("lastEventId")
	includeHistory := r.URL.Query().Get("includeHistory") == "true"

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET")
	header.Set("Access-Control-Allow-Headers", "Cache-Control, Last-Event-ID")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	writeFrame := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	now := time.Now().UnixMilli()
	writeFrame(map[string]any{
		"lastEventId": lastEventID,
		"sessionId":   sessionID,
		"timestamp":   now,
		"type":        string(event.TypeConnected),
	})

	subscribeFromID := lastEventID
	if includeHistory {
		cutoff := parseLeadingMillis(lastEventID)
		history, err := h.Coordinator.Events.History(r.Context(), sessionID, h.Coordinator.Config.HistoryDefault)
		if err == nil {
			for i := len(history) - 1; i >= 0; i-- {
				ev := history[i]
				if ev.Timestamp <= cutoff {
					continue
				}
				writeFrame(ev)
				subscribeFromID = ev.ID
			}
		}
	}

	cancel := make(chan struct{})
	done := make(chan struct{})
	go func() {
		<-r.Context().Done()
		close(cancel)
	}()

	heartbeat := h.Coordinator.Config.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = DefaultConfig().HeartbeatInterval
	}
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeFrame(map[string]any{
					"sessionId": sessionID,
					"timestamp": time.Now().UnixMilli(),
					"type":      string(event.TypeHeartbeat),
				})
			}
		}
	}()

	err := h.Coordinator.Events.Subscribe(r.Context(), sessionID, subscribeFromID, func(events []event.Event) error {
		for _, ev := range events {
			writeFrame(ev)
		}
		return nil
	}, cancel)
	close(done)

	if err != nil {
		writeFrame(map[string]any{
			"type": "error",
			"data": map[string]string{"phase": "stream_subscription", "error": err.Error()},
		})
	}
}

// parseLeadingMillis extracts the leading run of decimal digits from s (an
// event id or a plain millisecond timestamp) as an int64, returning 0 for
// an empty or non-numeric prefix. History replay wants "timestamp strictly
// greater than lastEventId", and this runtime's ids — like Redis Streams
// ids — begin with a millisecond timestamp, so comparing numerically
// rather than lexicographically keeps differing digit widths from
// inverting the order.
func parseLeadingMillis(s string) int64 {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
