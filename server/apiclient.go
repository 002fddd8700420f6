package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/httpclient"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/version"
)

// APIClient talks to a running `fetchq serve` instance
type APIClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewAPIClient creates a client for the server at addr ("host:port" or a
// full http URL). Requests are bounded by timeout.
func NewAPIClient(addr string, timeout time.Duration) *APIClient {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	userAgent := "fetchq/" + version.Get().Version
	client := httpclient.New(httpclient.Options{
		HeaderTimeout: timeout,
		DialTimeout:   timeout,
		UserAgent:     userAgent,
	})
	// API calls are short, unlike transfers
	client.Timeout = timeout
	return &APIClient{baseURL: base, userAgent: userAgent, http: client.Client}
}

// Health fetches the server health and checks its version against ours
func (c *APIClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	if err := version.CheckCompatible(version.Get(), resp.Version); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Submit creates a transfer on the server
func (c *APIClient) Submit(ctx context.Context, req SubmitRequest) (async.JobID, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/transfers", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Get fetches one transfer
func (c *APIClient) Get(ctx context.Context, id async.JobID) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/transfers/%d", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List fetches transfers, optionally only those with status
func (c *APIClient) List(ctx context.Context, status *async.Status) ([]TransferResponse, error) {
	path := "/api/transfers"
	if status != nil {
		path += "?status=" + string(*status)
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transfers, nil
}

// Cancel cancels a transfer and returns its resulting state
func (c *APIClient) Cancel(ctx context.Context, id async.JobID) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/transfers/%d/cancel", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge deletes a terminal transfer's record
func (c *APIClient) Purge(ctx context.Context, id async.JobID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/transfers/%d", id), nil, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", path)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(
			errors.Mark(errors.Wrapf(err, "failed to reach fetchq server at %s", c.baseURL), errors.ErrServiceUnavailable),
			"start it with `fetchq serve` or point --server at a running instance")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", path)
	}
	return nil
}

// decodeAPIError rebuilds a classified error from an error response, so
// callers can use the same errors.Is checks as in-process code.
func decodeAPIError(resp *http.Response) error {
	var body errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}

	err := errors.Newf("server returned %d: %s", resp.StatusCode, body.Error)
	for _, hint := range body.Hints {
		err = errors.WithHint(err, hint)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Mark(err, errors.ErrNotFound)
	case http.StatusBadRequest:
		return errors.Mark(err, errors.ErrInvalidRequest)
	case http.StatusConflict:
		return errors.Mark(err, errors.ErrConflict)
	case http.StatusServiceUnavailable:
		return errors.Mark(err, errors.ErrServiceUnavailable)
	case http.StatusGatewayTimeout:
		return errors.Mark(err, errors.ErrTimeout)
	}
	return err
}
