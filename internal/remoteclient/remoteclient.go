// Package remoteclient is the reference transport client for the remote
// provider's REST, webhook-adjacent, and analytical-query endpoints: list
// and retrieve a resource, submit and poll an analytical query, and
// download its result file. Every call carries a correlation id and retries
// 429/5xx responses with backoff.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sourcegraph-sync/cdcengine/internal/analytical"
	"github.com/sourcegraph-sync/cdcengine/internal/registry"
)

// ErrNotFound indicates the remote resource does not exist (404).
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string { return fmt.Sprintf("remoteclient: %s not found", e.ID) }

// ErrRateLimited indicates retries were exhausted against a 429 response.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("remoteclient: rate limited, retry after %s", e.RetryAfter)
}

// ErrUnexpectedStatus wraps any non-2xx, non-retryable response.
type ErrUnexpectedStatus struct {
	StatusCode int
	Body       string
}

func (e ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("remoteclient: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint64
}

// DefaultConfig fills in sensible timeouts and retry counts.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{BaseURL: baseURL, APIKey: apiKey, Timeout: 30 * time.Second, MaxRetries: 5}
}

// Client is the reference transport client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New builds a Client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// listEnvelope mirrors the remote provider's {data, has_more} list shape.
type listEnvelope struct {
	Data    []registry.Object `json:"data"`
	HasMore bool               `json:"has_more"`
}

// List fetches one page of path (a resource collection endpoint, e.g.
// "/v1/customers") honoring params.
func (c *Client) List(ctx context.Context, path string, params registry.ListParams) (registry.Page, error) {
	q := url.Values{}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.StartingAfter != "" {
		q.Set("starting_after", params.StartingAfter)
	}
	if params.CreatedGTE != nil {
		q.Set("created[gte]", strconv.FormatInt(*params.CreatedGTE, 10))
	}
	if params.CreatedLTE != nil {
		q.Set("created[lte]", strconv.FormatInt(*params.CreatedLTE, 10))
	}

	resp, err := c.doWithRetry(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return registry.Page{}, err
	}
	defer resp.Body.Close()

	var env listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return registry.Page{}, fmt.Errorf("remoteclient: decode list response for %s: %w", path, err)
	}

	return registry.Page{Data: env.Data, HasMore: env.HasMore}, nil
}

// Retrieve fetches a single object by id from path (e.g.
// "/v1/customers/cus_123").
func (c *Client) Retrieve(ctx context.Context, path string) (registry.Object, error) {
	resp, err := c.doWithRetry(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var obj registry.Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("remoteclient: decode retrieve response for %s: %w", path, err)
	}
	return obj, nil
}

type createQueryRunRequest struct {
	Query string `json:"query"`
}

type queryRunResponse struct {
	ID     string             `json:"id"`
	Status analytical.RunStatus `json:"status"`
}

// CreateQueryRun submits an analytical query and returns its run id.
func (c *Client) CreateQueryRun(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(createQueryRunRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("remoteclient: encode query run request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, "/v1/sigma/query_runs", nil, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out queryRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remoteclient: decode query run response: %w", err)
	}
	return out.ID, nil
}

// GetQueryRunStatus polls a submitted query run's status.
func (c *Client) GetQueryRunStatus(ctx context.Context, runID string) (analytical.RunStatus, error) {
	resp, err := c.doWithRetry(ctx, http.MethodGet, "/v1/sigma/query_runs/"+runID, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out queryRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remoteclient: decode query run status: %w", err)
	}
	return out.Status, nil
}

type queryRunFileResponse struct {
	FileURL string `json:"file_url"`
}

// DownloadResultFile fetches a completed query run's result file.
func (c *Client) DownloadResultFile(ctx context.Context, runID string) (io.ReadCloser, error) {
	resp, err := c.doWithRetry(ctx, http.MethodGet, "/v1/sigma/query_runs/"+runID+"/file", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out queryRunFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remoteclient: decode query run file response: %w", err)
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, out.FileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: build file download request: %w", err)
	}
	fileResp, err := c.httpClient.Do(fileReq)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: download query run file: %w", err)
	}
	if fileResp.StatusCode != http.StatusOK {
		defer fileResp.Body.Close()
		body, _ := io.ReadAll(fileResp.Body)
		return nil, ErrUnexpectedStatus{StatusCode: fileResp.StatusCode, Body: string(body)}
	}
	return fileResp.Body, nil
}

// doWithRetry issues one request against the configured base URL, retrying
// 429 and 5xx responses with exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	correlationID := uuid.New().String()
	logger := c.logger.With().Str("method", method).Str("path", path).Str("correlation_id", correlationID).Logger()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("remoteclient: read request body: %w", err)
		}
	}

	var resp *http.Response

	operation := func() error {
		fullURL := c.cfg.BaseURL + path
		if len(query) > 0 {
			fullURL += "?" + query.Encode()
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("remoteclient: build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			logger.Warn().Err(err).Msg("remoteclient: request failed, retrying")
			return err
		}

		switch {
		case r.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(r.Header.Get("Retry-After"))
			r.Body.Close()
			logger.Warn().Dur("retry_after", retryAfter).Msg("remoteclient: rate limited")
			if retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return ErrRateLimited{RetryAfter: retryAfter}

		case r.StatusCode >= 500:
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			logger.Warn().Int("status", r.StatusCode).Msg("remoteclient: server error, retrying")
			return ErrUnexpectedStatus{StatusCode: r.StatusCode, Body: string(body)}

		case r.StatusCode == http.StatusNotFound:
			r.Body.Close()
			return backoff.Permanent(ErrNotFound{ID: path})

		case r.StatusCode >= 400:
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			return backoff.Permanent(ErrUnexpectedStatus{StatusCode: r.StatusCode, Body: string(body)})
		}

		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
