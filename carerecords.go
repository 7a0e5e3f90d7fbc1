// Package carerecords is the Go client SDK for the Care Records patient
// records API, with an offline-first layer that queues mutations while the
// backend is unreachable and replays them when it comes back.
//
// Example:
//
//	client := carerecords.NewClient("http://localhost:5000")
//
//	store, _ := carerecords.OpenSQLiteStore("~/.carerecords/offline.db")
//	monitor := carerecords.NewMonitor(client, nil)
//	monitor.Start(ctx)
//	defer monitor.Stop()
//
//	offline := carerecords.NewOfflineManager(store, client, &carerecords.OfflineOptions{Monitor: monitor})
//	offline.Start(ctx)
//	defer offline.Stop()
//
//	records := carerecords.NewRecords(offline)
//	records.Patients.Create(ctx, &carerecords.Patient{USN: "U100", FullName: "Asha Rao", Age: 42, Gender: "F"})
package carerecords

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL    = "http://localhost:5000"
	DefaultTimeout    = 30 * time.Second
	DefaultHealthPath = "/api/health"
)

// Requester issues a request against the records API. *Client sends it
// directly; *OfflineManager routes it through the offline queue and cache.
type Requester interface {
	Dispatch(ctx context.Context, method, path string, body any) (*Response, error)
}

type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithHeader adds a header sent on every direct request. Replayed changes
// carry the headers captured when they were queued instead.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.headers[key] = value }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the records API at baseURL. An empty
// baseURL selects DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{},
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Request helpers
// ============================================================================

// Do sends one request. A transport failure (including a context or client
// timeout) is returned as *TransportError; any HTTP status, success or not,
// is returned as a Response.
func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Dispatch sends a request directly, encoding body as JSON. Non-2xx
// responses are returned as *APIError.
func (c *Client) Dispatch(ctx context.Context, method, path string, body any) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, method, path, c.requestHeaders(payload != nil), payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, apiErrorFrom(resp)
	}
	return resp, nil
}

// Replay re-issues a queued change exactly as it was captured.
func (c *Client) Replay(ctx context.Context, change *PendingChange) (*Response, error) {
	var body []byte
	if change.Body != "" {
		body = []byte(change.Body)
	}
	return c.Do(ctx, change.Method.HTTPVerb(), change.Endpoint, change.Headers, body)
}

// Health probes the backend's health endpoint.
func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.Do(ctx, http.MethodGet, DefaultHealthPath, c.requestHeaders(false), nil)
}

func (c *Client) requestHeaders(withBody bool) map[string]string {
	h := make(map[string]string, len(c.headers)+2)
	for k, v := range c.headers {
		h[k] = v
	}
	h["Accept"] = "application/json"
	if withBody {
		h["Content-Type"] = "application/json"
	}
	return h
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

func apiErrorFrom(resp *Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &payload) == nil {
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
