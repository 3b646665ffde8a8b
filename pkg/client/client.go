package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/apkforge/apkforge/pkg/api"
)

// Client is an APK Forge status API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new status API client
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Health returns the service health status
func (c *Client) Health() (*api.HealthStatus, error) {
	resp, err := c.doRequest("GET", "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status api.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}

	return &status, nil
}

// ListJobs returns recent build jobs, optionally filtered by state
func (c *Client) ListJobs(state api.JobState) ([]*api.Job, error) {
	path := "/api/jobs"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}

	resp, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Jobs []*api.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	return body.Jobs, nil
}

// GetJob returns a build job by ID
func (c *Client) GetJob(id string) (*api.Job, error) {
	resp, err := c.doRequest("GET", fmt.Sprintf("/api/jobs/%s", url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var job api.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}

	return &job, nil
}

// Stats returns queue statistics
func (c *Client) Stats() (*api.QueueStats, error) {
	resp, err := c.doRequest("GET", "/api/stats", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats api.QueueStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}

	return &stats, nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr api.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return nil, fmt.Errorf("HTTP error: %s", resp.Status)
		}
		return nil, fmt.Errorf("API error: %d - %s", apiErr.Code, apiErr.Message)
	}

	return resp, nil
}
