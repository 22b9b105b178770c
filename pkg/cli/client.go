package cli

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

	"github.com/getmockd/rpcgate/pkg/api"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// DefaultClientTimeout bounds every admin API request.
const DefaultClientTimeout = 10 * time.Second

// APIError is an error response from the admin API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("admin API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("admin API error: HTTP %d", e.StatusCode)
}

// Client talks to a gateway's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the admin API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register registers a service definition.
func (c *Client) Register(ctx context.Context, def registry.ServiceDefinition) (*registry.RegisterResult, error) {
	var out registry.RegisterResult
	err := c.do(ctx, http.MethodPost, "/admin/services", def, &out)
	if err != nil {
		// Rejected definitions still carry a RegisterResult body.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && out.Message != "" {
			return &out, nil
		}
		return nil, err
	}
	return &out, nil
}

// Unregister removes a service. It reports whether the service existed.
func (c *Client) Unregister(ctx context.Context, name string) (bool, error) {
	var out api.SuccessResponse
	if err := c.do(ctx, http.MethodDelete, servicePath(name), nil, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// Heartbeat refreshes a service's liveness. It reports whether the service
// is registered and active.
func (c *Client) Heartbeat(ctx context.Context, name string) (bool, error) {
	var out api.SuccessResponse
	if err := c.do(ctx, http.MethodPut, servicePath(name)+"/heartbeat", nil, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// CheckRoutes asks which of checks must be re-registered.
func (c *Client) CheckRoutes(ctx context.Context, name string, checks []registry.RouteCheck) (*registry.RouteCheckResult, error) {
	var out registry.RouteCheckResult
	req := api.RouteCheckRequest{Routes: checks}
	if err := c.do(ctx, http.MethodPost, servicePath(name)+"/routes/check", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRoutes fetches the active route table.
func (c *Client) ListRoutes(ctx context.Context) ([]api.RouteInfo, error) {
	var out []api.RouteInfo
	if err := c.do(ctx, http.MethodGet, "/admin/routes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListServices fetches every stored registration.
func (c *Client) ListServices(ctx context.Context) ([]registry.ServiceRegistration, error) {
	var out []registry.ServiceRegistration
	if err := c.do(ctx, http.MethodGet, "/admin/services", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func servicePath(name string) string {
	return "/admin/services/" + url.PathEscape(name)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach admin API at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
