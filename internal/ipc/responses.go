package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
)

// WriteResponse places `responses/<responseId>.json` for a waiting agent.
// Written strictly after the action it reports on has completed, so the
// agent's polling loop observes the real outcome.
func (n *Namespace) WriteResponse(folder, responseID string, v any) error {
	if responseID == "" {
		return fmt.Errorf("ipc response: empty response id")
	}
	return n.WriteJSON(folder, ResponsesDir, responseID+".json", v)
}

// WriteResponseFile places a caller-named binary response (attachments and
// other non-JSON payloads keep their own naming convention).
func (n *Namespace) WriteResponseFile(folder, filename string, data []byte) error {
	return n.WriteFile(folder, ResponsesDir, filename, data)
}

// SendResponse is the common shape of a send_message response. Timestamp
// is absent when the channel's send is asynchronous and reports none; the
// agent handles the absence.
type SendResponse struct {
	Timestamp *float64 `json:"timestamp,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// AwaitResponse polls for a response file to appear, decodes it into v,
// and unlinks it. Used by host-side callers that round-trip through the
// response convention (tests, doctor checks).
func (n *Namespace) AwaitResponse(ctx context.Context, folder, responseID string, v any, timeout time.Duration) error {
	path, err := platform.SafeJoin(n.Dir(folder, ResponsesDir), responseID+".json")
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			defer os.Remove(path)
			if err := json.Unmarshal(data, v); err != nil {
				return fmt.Errorf("decode response %s: %w", responseID, err)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("read response %s: %w", responseID, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("response %s: timed out after %s", responseID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
