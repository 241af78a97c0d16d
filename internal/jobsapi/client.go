// Package jobsapi is a thin client for the EchoScribe jobs API. It keeps no
// state between calls; every request carries the bearer token it is given.
package jobsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

// Client makes calls against the jobs API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for baseURL. httpClient is optional and defaults to a
// client with a 30 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// CreateJob registers a job and returns its id with an upload descriptor.
func (c *Client) CreateJob(ctx context.Context, token string, req model.CreateJobRequest) (*model.CreateJobResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal create job: %w", err)
	}
	var res model.CreateJobResponse
	if err := c.call(ctx, http.MethodPost, "/api/jobs", token, bytes.NewReader(body), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob fetches the current snapshot of one job.
func (c *Client) GetJob(ctx context.Context, token, jobID string) (*model.Job, error) {
	var job model.Job
	if err := c.call(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), token, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetTranscript fetches the transcript of a completed job.
func (c *Client) GetTranscript(ctx context.Context, token, jobID string) (*model.Transcript, error) {
	var t model.Transcript
	if err := c.call(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/transcript", token, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListJobs returns the caller's most recent jobs. A limit of zero lets the
// server pick its default.
func (c *Client) ListJobs(ctx context.Context, token string, limit int) ([]model.Job, error) {
	path := "/api/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list model.JobList
	if err := c.call(ctx, http.MethodGet, path, token, nil, &list); err != nil {
		return nil, err
	}
	return list.Jobs, nil
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) call(ctx context.Context, method, path, token string, body io.Reader, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 400 {
		apiErr := &Error{Status: res.StatusCode}
		if err := json.Unmarshal(resBody, apiErr); err != nil || apiErr.Detail == "" {
			apiErr.Detail = strings.TrimSpace(string(resBody))
		}
		if apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(res.StatusCode)
		}
		return apiErr
	}

	if v != nil {
		if err := json.Unmarshal(resBody, v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
