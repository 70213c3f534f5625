package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Conductor-style HTTP client implementing Runner.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator api error: status=%d body=%s", e.StatusCode, e.Body)
}

// WorkflowDef is the orchestration engine's workflow metadata (partial).
type WorkflowDef struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
}

// EnsureWorkflowAvailable checks whether the named workflow definition is
// registered. A 404 means not available, not an error.
func (c *Client) EnsureWorkflowAvailable(ctx context.Context, name string, version int) (bool, error) {
	endpoint := "metadata/workflow/" + url.PathEscape(name)
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, &DeliveryError{Op: "ensure", Workflow: name, Err: err}
	}
	return true, nil
}

type startWorkflowRequest struct {
	Name          string         `json:"name"`
	Version       int            `json:"version,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// StartWorkflow launches a run and returns its run id.
func (c *Client) StartWorkflow(ctx context.Context, name string, version int, correlationID string, input map[string]any) (string, error) {
	body := startWorkflowRequest{
		Name:          name,
		Version:       version,
		CorrelationID: correlationID,
		Input:         input,
	}
	var runID string
	if err := c.doRaw(ctx, http.MethodPost, "workflow", body, &runID); err != nil {
		return "", &DeliveryError{Op: "start", Workflow: name, Err: err}
	}
	if runID == "" {
		return "", &DeliveryError{Op: "start", Workflow: name, Err: fmt.Errorf("empty run id")}
	}
	return runID, nil
}

// UploadWorkflow registers or updates a workflow definition.
func (c *Client) UploadWorkflow(ctx context.Context, def map[string]any) error {
	if err := c.do(ctx, http.MethodPut, "metadata/workflow", []any{def}, nil); err != nil {
		name, _ := def["name"].(string)
		return &DeliveryError{Op: "upload", Workflow: name, Err: err}
	}
	return nil
}

// ListWorkflows returns the registered workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowDef, error) {
	var defs []WorkflowDef
	if err := c.do(ctx, http.MethodGet, "metadata/workflow", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// doRaw reads the response body as a plain string, tolerating both quoted
// JSON strings and bare text run ids.
func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any, out *string) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	text := strings.TrimSpace(string(b))
	var quoted string
	if json.Unmarshal([]byte(text), &quoted) == nil {
		*out = quoted
		return nil
	}
	*out = text
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Authorization", c.APIKey)
	}
	return c.HTTPClient.Do(req)
}
