package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stepwise/agentrun/session"
)

// HTTPHost implements Host by POSTing a tool call to a fixed webhook URL
// and returning the response body as the result, mirroring the callback
// pattern queue.RedisDelayQueue uses to deliver due tasks. Concrete tool
// implementations live behind that webhook; this runtime only dispatches.
type HTTPHost struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPHost constructs an HTTPHost posting to url with a bounded timeout.
func NewHTTPHost(url string) *HTTPHost {
	return &HTTPHost{URL: url, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

type invokeRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnconfiguredHost is the default Host when no tool webhook is configured:
// every call fails immediately rather than hanging, so a misconfigured
// deployment surfaces at first tool call instead of at startup.
type UnconfiguredHost struct{}

// Invoke implements Host.
func (UnconfiguredHost) Invoke(_ context.Context, call session.ToolCall) (json.RawMessage, error) {
	return nil, fmt.Errorf("tools: no webhook configured, cannot invoke %s", call.Function.Name)
}

// Invoke implements Host.
func (h *HTTPHost) Invoke(ctx context.Context, call session.ToolCall) (json.RawMessage, error) {
	body, err := json.Marshal(invokeRequest{ID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools: invoke %s: %w", call.Function.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tools: read response for %s: %w", call.Function.Name, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tools: %s webhook returned %d: %s", call.Function.Name, resp.StatusCode, respBody)
	}
	return json.RawMessage(respBody), nil
}
