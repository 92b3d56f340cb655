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
)

const defaultBaseURL = "http://localhost:5000"

// Client provides typed access to the DevPilot API for interactive tools.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. Streams reuse its
// transport without the overall timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			stream := *h
			stream.Timeout = 0
			c.streamClient = &stream
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects the authenticated account.
type User struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, token, &resp); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// EnvVar is a decrypted environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Deployment mirrors the API deployment payload.
type Deployment struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	ProjectName    string     `json:"project_name"`
	CloneURL       string     `json:"clone_url"`
	Description    string     `json:"description"`
	PackageManager string     `json:"package_manager"`
	EnvVars        []EnvVar   `json:"envVars"`
	RunScript      string     `json:"run_script"`
	BuildScript    string     `json:"build_script"`
	EntryFile      string     `json:"entry_file"`
	MainDirectory  string     `json:"main_directory"`
	Port           int        `json:"port"`
	Status         string     `json:"status"`
	DeploymentURL  string     `json:"deployment_url"`
	LastDeployedAt *time.Time `json:"last_deployed_at"`
	ErrorMessage   string     `json:"error_message"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Pagination describes a page of results.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// DeploymentPage is one page of deployments.
type DeploymentPage struct {
	Deployments []Deployment `json:"deployments"`
	Pagination  Pagination   `json:"pagination"`
}

// CreateDeploymentInput is the payload accepted when creating a deployment.
type CreateDeploymentInput struct {
	ProjectName    string   `json:"project_name"`
	CloneURL       string   `json:"clone_url"`
	Description    string   `json:"description,omitempty"`
	PackageManager string   `json:"package_manager,omitempty"`
	EnvVars        []EnvVar `json:"envVars,omitempty"`
	RunScript      string   `json:"run_script,omitempty"`
	BuildScript    string   `json:"build_script,omitempty"`
	EntryFile      string   `json:"entry_file,omitempty"`
	MainDirectory  string   `json:"main_directory,omitempty"`
}

// UpdateDeploymentInput carries metadata edits. Nil fields are unchanged.
type UpdateDeploymentInput struct {
	Description   *string   `json:"description,omitempty"`
	EntryFile     *string   `json:"entry_file,omitempty"`
	MainDirectory *string   `json:"main_directory,omitempty"`
	EnvVars       *[]EnvVar `json:"envVars,omitempty"`
	BuildScript   *string   `json:"build_script,omitempty"`
	RunScript     *string   `json:"run_script,omitempty"`
}

// ListDeployments fetches a page of the caller's deployments.
func (c *Client) ListDeployments(ctx context.Context, token string, page, limit int) (DeploymentPage, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", fmt.Sprint(page))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/deployments"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp DeploymentPage
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return DeploymentPage{}, err
	}
	return resp, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, token, id string) (Deployment, error) {
	var resp struct {
		Deployment Deployment `json:"deployment"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(id), nil, token, &resp); err != nil {
		return Deployment{}, err
	}
	return resp.Deployment, nil
}

// UpdateDeployment edits deployment metadata.
func (c *Client) UpdateDeployment(ctx context.Context, token, id string, input UpdateDeploymentInput) (Deployment, error) {
	var resp struct {
		Deployment Deployment `json:"deployment"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/deployments/"+url.PathEscape(id), input, token, &resp); err != nil {
		return Deployment{}, err
	}
	return resp.Deployment, nil
}

// DeleteDeployment removes a deployment and returns its project name.
func (c *Client) DeleteDeployment(ctx context.Context, token, id string) (string, error) {
	var resp struct {
		ProjectName string `json:"project_name"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/deployments/"+url.PathEscape(id), nil, token, &resp); err != nil {
		return "", err
	}
	return resp.ProjectName, nil
}

// LogEntry is one stored chunk of pipeline output.
type LogEntry struct {
	ID        int64  `json:"id"`
	Stream    string `json:"stream"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// FetchLogs returns output captured by the latest run.
func (c *Client) FetchLogs(ctx context.Context, token, id string, limit, offset int) ([]LogEntry, error) {
	path := fmt.Sprintf("/api/deployments/%s/logs?limit=%d&offset=%d", url.PathEscape(id), limit, offset)
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// WebhookSecret is returned once when a webhook secret is set.
type WebhookSecret struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// SetWebhookSecret stores a push webhook secret. An empty secret asks the
// server to generate one.
func (c *Client) SetWebhookSecret(ctx context.Context, token, id, secret string) (WebhookSecret, error) {
	var resp WebhookSecret
	body := map[string]string{"secret": secret}
	if err := c.do(ctx, http.MethodPost, "/api/deployments/"+url.PathEscape(id)+"/webhook", body, token, &resp); err != nil {
		return WebhookSecret{}, err
	}
	return resp, nil
}

// CreateDeployment creates a deployment and follows its pipeline output,
// calling onFrame for every relayed frame.
func (c *Client) CreateDeployment(ctx context.Context, token string, input CreateDeploymentInput, onFrame func(string)) (StreamResult, error) {
	return c.stream(ctx, http.MethodPost, "/api/deployments", input, token, onFrame)
}

// Redeploy reruns the pipeline of an existing deployment and follows it.
func (c *Client) Redeploy(ctx context.Context, token, id string, onFrame func(string)) (StreamResult, error) {
	return c.stream(ctx, http.MethodPost, "/api/deployments/"+url.PathEscape(id)+"/redeploy", nil, token, onFrame)
}

func (c *Client) stream(ctx context.Context, method, path string, body any, token string, onFrame func(string)) (StreamResult, error) {
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return StreamResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return StreamResult{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return StreamResult{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return StreamResult{Detached: true}, nil
	}
	return ReadStream(resp.Body, onFrame)
}
