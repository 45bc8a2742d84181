package daytona

import (
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

const defaultAPIBase = "https://app.daytona.io/api"

// apiClient is a minimal REST client for the Daytona sandbox API.
type apiClient struct {
	key     string
	baseURL string
	client  *http.Client
}

func newAPIClient(key, baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	return &apiClient{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

var errNotFound = fmt.Errorf("daytona: not found")

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("daytona: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("daytona: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daytona: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daytona: %s: %s", resp.Status, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("daytona: decode response: %w", err)
		}
	}
	return nil
}

type sandboxInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// FindSandbox looks a sandbox up by its name label.
func (c *apiClient) FindSandbox(ctx context.Context, name string) (*sandboxInfo, error) {
	var list []sandboxInfo
	path := "/sandbox?labels=" + url.QueryEscape(fmt.Sprintf(`{"name":%q}`, name))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errNotFound
	}
	return &list[0], nil
}

// CreateSandbox creates a sandbox from the image and returns it.
func (c *apiClient) CreateSandbox(ctx context.Context, name, image string) (*sandboxInfo, error) {
	in := map[string]any{
		"image":  image,
		"labels": map[string]string{"name": name},
	}
	var sb sandboxInfo
	if err := c.doJSON(ctx, http.MethodPost, "/sandbox", in, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// WaitReady polls until the sandbox reports started.
func (c *apiClient) WaitReady(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var sb sandboxInfo
		err := c.doJSON(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &sb)
		if err == nil && sb.State == "started" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daytona: sandbox %s not ready after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// UploadFile writes a file into the sandbox filesystem.
func (c *apiClient) UploadFile(ctx context.Context, id, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/toolbox/"+url.PathEscape(id)+"/files/upload?path="+url.QueryEscape(path),
		bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("daytona: build upload: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daytona: upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daytona: upload %s: %s: %s", path, resp.Status, string(data))
	}
	return nil
}

// DownloadFile reads a file from the sandbox filesystem.
func (c *apiClient) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/toolbox/"+url.PathEscape(id)+"/files/download?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("daytona: build download: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daytona: download %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("daytona: download %s: %s: %s", path, resp.Status, string(data))
	}
	return io.ReadAll(resp.Body)
}

// CreateSession opens a long-lived exec session in the sandbox.
func (c *apiClient) CreateSession(ctx context.Context, id, sessionID string) error {
	in := map[string]string{"sessionId": sessionID}
	err := c.doJSON(ctx, http.MethodPost, "/toolbox/"+url.PathEscape(id)+"/process/session", in, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

type commandInfo struct {
	ID       string `json:"id"`
	ExitCode *int   `json:"exitCode"`
}

// ExecuteAsync starts a command in the session and returns its id.
func (c *apiClient) ExecuteAsync(ctx context.Context, id, sessionID, command string) (string, error) {
	in := map[string]any{"command": command, "runAsync": true}
	var out commandInfo
	err := c.doJSON(ctx, http.MethodPost,
		"/toolbox/"+url.PathEscape(id)+"/process/session/"+url.PathEscape(sessionID)+"/exec", in, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("daytona: exec returned no command id")
	}
	return out.ID, nil
}

// CommandStatus fetches the command's exit code (nil while running).
func (c *apiClient) CommandStatus(ctx context.Context, id, sessionID, cmdID string) (*commandInfo, error) {
	var out commandInfo
	err := c.doJSON(ctx, http.MethodGet,
		"/toolbox/"+url.PathEscape(id)+"/process/session/"+url.PathEscape(sessionID)+"/command/"+url.PathEscape(cmdID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CommandLogs fetches the cumulative logs of a session command.
func (c *apiClient) CommandLogs(ctx context.Context, id, sessionID, cmdID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/toolbox/"+url.PathEscape(id)+"/process/session/"+url.PathEscape(sessionID)+"/command/"+url.PathEscape(cmdID)+"/logs", nil)
	if err != nil {
		return "", fmt.Errorf("daytona: build logs request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daytona: logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("daytona: logs: %s: %s", resp.Status, string(data))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("daytona: read logs: %w", err)
	}
	return string(data), nil
}
