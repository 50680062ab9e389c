package client

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

	"github.com/terra-clan/ctf-conductor/internal/models"
)

// Client is a Go SDK for the ctf-conductor operator API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new ctf-conductor client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is an error reported by the server
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s - %s", e.Status, e.Code, e.Message)
}

// ListOptions contains options for listing sessions
type ListOptions struct {
	States []models.LifecycleState
	Limit  int
	Offset int
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ListSessions retrieves sessions, optionally filtered by state
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := url.Values{}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, s := range opts.States {
			states[i] = string(s)
		}
		query.Set("state", strings.Join(states, ","))
	}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", fmt.Sprint(opts.Offset))
	}

	path := "/api/v1/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var data struct {
		Sessions []*models.Session `json:"sessions"`
		Total    int               `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	return data.Sessions, nil
}

// CreateSession creates a session or returns the existing one with the same name
func (c *Client) CreateSession(ctx context.Context, name string, live bool) (*models.CreateSessionResponse, error) {
	var data models.CreateSessionResponse
	req := models.CreateSessionRequest{Name: name, Live: live}
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetSession retrieves a session by ID
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data models.Session
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ListTasks retrieves the tasks of a session in ingestion order
func (c *Client) ListTasks(ctx context.Context, id string) ([]*models.Task, error) {
	var data struct {
		Tasks []*models.Task `json:"tasks"`
		Total int            `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id)+"/tasks", nil, &data); err != nil {
		return nil, err
	}
	return data.Tasks, nil
}

// ArchiveSession retires a session
func (c *Client) ArchiveSession(ctx context.Context, id string) (*models.Session, error) {
	var data models.Session
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/archive", nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// SetCredentials stores platform credentials for a session
func (c *Client) SetCredentials(ctx context.Context, id string, creds models.Credentials) (*models.Session, error) {
	var data models.Session
	if err := c.call(ctx, http.MethodPut, "/api/v1/sessions/"+url.PathEscape(id)+"/credentials", creds, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// PullTasks runs one ingestion pass for a session and returns the number of
// newly provisioned tasks
func (c *Client) PullTasks(ctx context.Context, id string) (int, error) {
	var data struct {
		Provisioned int `json:"provisioned"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/pull", nil, &data); err != nil {
		return 0, err
	}
	return data.Provisioned, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	status, resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &APIError{Status: status, Code: "unhealthy", Message: strings.TrimSpace(string(resp))}
	}
	return nil
}

// call sends an API request with an optional JSON body and decodes the
// response envelope's data into out
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	status, resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	result := envelope[json.RawMessage]{}
	if err := json.Unmarshal(resp, &result); err != nil {
		if status >= 400 {
			return &APIError{Status: status, Code: "http_error", Message: strings.TrimSpace(string(resp))}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success || status >= 400 {
		apiErr := &APIError{Status: status, Code: "unknown", Message: http.StatusText(status)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return apiErr
	}

	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}
