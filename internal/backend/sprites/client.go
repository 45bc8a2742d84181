package sprites

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.sprites.dev/v1"

// apiClient is a minimal REST client for the Sprites sandbox API.
type apiClient struct {
	token   string
	baseURL string
	client  *http.Client
}

func newAPIClient(token, baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	return &apiClient{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Exec streams for the whole agent session; no client timeout.
		client: &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("sprites: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sprites: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sprites: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sprites: %s: %s", resp.Status, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("sprites: decode response: %w", err)
		}
	}
	return nil
}

var errNotFound = fmt.Errorf("sprites: not found")

type sandbox struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// GetSandbox looks a sandbox up by name; errNotFound when absent.
func (c *apiClient) GetSandbox(ctx context.Context, name string) (*sandbox, error) {
	var sb sandbox
	if err := c.doJSON(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(name), nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// CreateSandbox creates a named sandbox from the image.
func (c *apiClient) CreateSandbox(ctx context.Context, name, image string) error {
	in := map[string]string{"name": name, "image": image}
	return c.doJSON(ctx, http.MethodPost, "/sandboxes", in, nil)
}

// WriteFile uploads a file into the sandbox filesystem.
func (c *apiClient) WriteFile(ctx context.Context, sb, path string, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut,
		"/sandboxes/"+url.PathEscape(sb)+"/fs?path="+url.QueryEscape(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sprites: upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sprites: upload %s: %s: %s", path, resp.Status, string(data))
	}
	return nil
}

// ReadFile downloads a file from the sandbox filesystem.
func (c *apiClient) ReadFile(ctx context.Context, sb, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		"/sandboxes/"+url.PathEscape(sb)+"/fs?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sprites: download %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sprites: download %s: %s: %s", path, resp.Status, string(data))
	}
	return io.ReadAll(resp.Body)
}

// execEvent is one NDJSON line of the streaming exec endpoint.
type execEvent struct {
	Stream string `json:"stream"` // "stdout", "stderr" or "exit"
	Data   string `json:"data,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// Exec runs a command in the sandbox, streaming stdout/stderr events into
// the callbacks, and returns the exit code.
func (c *apiClient) Exec(ctx context.Context, sb string, cmd []string, onStdout, onStderr func([]byte)) (int, error) {
	in := map[string]any{"cmd": cmd, "stream": true}
	data, err := json.Marshal(in)
	if err != nil {
		return -1, fmt.Errorf("sprites: marshal exec: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sb)+"/exec", bytes.NewReader(data))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("sprites: exec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return -1, fmt.Errorf("sprites: exec: %s: %s", resp.Status, string(data))
	}

	exitCode := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var ev execEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		switch ev.Stream {
		case "stdout":
			onStdout([]byte(ev.Data))
		case "stderr":
			onStderr([]byte(ev.Data))
		case "exit":
			exitCode = ev.Code
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return exitCode, fmt.Errorf("sprites: exec stream: %w", err)
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return exitCode, nil
}

// waitReady polls until the sandbox reports running.
func (c *apiClient) waitReady(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sb, err := c.GetSandbox(ctx, name)
		if err == nil && sb.State == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sprites: sandbox %s not ready after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
