package railway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiEndpoint = "https://backboard.railway.app/graphql/v2"

// apiClient is a minimal GraphQL client for the Railway backboard API.
type apiClient struct {
	token    string
	endpoint string
	client   *http.Client
}

func newAPIClient(token string) *apiClient {
	return &apiClient{
		token:    token,
		endpoint: apiEndpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// do executes one GraphQL operation and decodes data into out.
func (c *apiClient) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("railway: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("railway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("railway: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("railway: %s: %s", resp.Status, string(data))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("railway: decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("railway: %s", gr.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("railway: decode data: %w", err)
		}
	}
	return nil
}

// CheckProject verifies the token can read the project.
func (c *apiClient) CheckProject(ctx context.Context, projectID string) error {
	const q = `query($id: String!) { project(id: $id) { id } }`
	var out struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	}
	if err := c.do(ctx, q, map[string]any{"id": projectID}, &out); err != nil {
		return err
	}
	if out.Project.ID == "" {
		return fmt.Errorf("railway: project %s not found", projectID)
	}
	return nil
}

type createServiceInput struct {
	ProjectID string
	Name      string
	Image     string
	Env       map[string]string
}

// CreateService creates a service running the agent image and returns its
// id.
func (c *apiClient) CreateService(ctx context.Context, in createServiceInput) (string, error) {
	const q = `mutation($input: ServiceCreateInput!) { serviceCreate(input: $input) { id } }`
	vars := map[string]any{
		"input": map[string]any{
			"projectId": in.ProjectID,
			"name":      in.Name,
			"source":    map[string]any{"image": in.Image},
			"variables": in.Env,
		},
	}
	var out struct {
		ServiceCreate struct {
			ID string `json:"id"`
		} `json:"serviceCreate"`
	}
	if err := c.do(ctx, q, vars, &out); err != nil {
		return "", err
	}
	if out.ServiceCreate.ID == "" {
		return "", fmt.Errorf("railway: service create returned no id")
	}
	return out.ServiceCreate.ID, nil
}

// DeleteService removes a service.
func (c *apiClient) DeleteService(ctx context.Context, serviceID string) error {
	const q = `mutation($id: String!) { serviceDelete(id: $id) }`
	return c.do(ctx, q, map[string]any{"id": serviceID}, nil)
}
