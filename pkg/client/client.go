// Package client provides a Go client library for the sandboxed
// worker pool's HTTP transport.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentfront/enclave/internal/poolerrors"
)

// Client is the enclave HTTP API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a new enclave API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ExecuteRequest is the request to submit code for sandboxed
// execution.
type ExecuteRequest struct {
	Code      string                 `json:"code"`
	Input     interface{}            `json:"input,omitempty"`
	Self      interface{}            `json:"self,omitempty"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Tools     []string               `json:"tools,omitempty"`
	TimeoutMs int64                  `json:"timeoutMs"`
}

// ExecuteResponse is the result of a sandboxed execution.
type ExecuteResponse struct {
	OK    bool        `json:"ok"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Execute submits req and waits for the execution to reach a terminal
// state. A non-2xx response is decoded into an *APIError carrying the
// pool's error-taxonomy Kind, so callers can errors.Is/As against it.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/executions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MetricsSnapshot mirrors pool.Metrics' JSON shape.
type MetricsSnapshot struct {
	TotalSlots     int `json:"TotalSlots"`
	IdleSlots      int `json:"IdleSlots"`
	ExecutingSlots int `json:"ExecutingSlots"`
	RecyclingSlots int `json:"RecyclingSlots"`
	QueuedRequests int `json:"QueuedRequests"`

	TotalExecutions      int64 `json:"TotalExecutions"`
	SuccessfulExecutions int64 `json:"SuccessfulExecutions"`
	FailedExecutions     int64 `json:"FailedExecutions"`
	TimeoutExecutions    int64 `json:"TimeoutExecutions"`
	MemoryKills          int64 `json:"MemoryKills"`
	ForcedTerminations   int64 `json:"ForcedTerminations"`
	WorkerRecycles       int64 `json:"WorkerRecycles"`

	AvgExecutionTimeMs float64 `json:"AvgExecutionTimeMs"`

	AvgWorkerMemoryBytes  int64 `json:"AvgWorkerMemoryBytes"`
	PeakWorkerMemoryBytes int64 `json:"PeakWorkerMemoryBytes"`

	QueueLongestWait time.Duration `json:"QueueLongestWait"`
	QueueAvgWait     time.Duration `json:"QueueAvgWait"`
	QueueFulfilled   int64         `json:"QueueFulfilled"`
	QueueTimedOut    int64         `json:"QueueTimedOut"`
	QueueAborted     int64         `json:"QueueAborted"`
}

// Metrics fetches the pool's current aggregate metrics.
func (c *Client) Metrics(ctx context.Context) (*MetricsSnapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/metrics", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result MetricsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Dispose requests pool shutdown. Idempotent.
func (c *Client) Dispose(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/dispose", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Event mirrors pool.Event's JSON shape.
type Event struct {
	Kind        string    `json:"Kind"`
	SlotID      string    `json:"SlotID,omitempty"`
	SlotStatus  string    `json:"SlotStatus,omitempty"`
	QueueAction string    `json:"QueueAction,omitempty"`
	At          time.Time `json:"At"`
}

// StreamEvents consumes the SSE event stream, invoking onEvent for
// each decoded Event, until ctx is cancelled or the stream ends.
func (c *Client) StreamEvents(ctx context.Context, onEvent func(Event)) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		onEvent(e)
	}
	return scanner.Err()
}

// AnswerElicitation responds to a pending elicit(prompt, schema) call.
func (c *Client) AnswerElicitation(ctx context.Context, executionID, callID string, value interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"value": value})
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v1/executions/%s/elicitations/%s", executionID, callID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// doRequest makes an authenticated HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// APIError is a non-2xx response decoded from the server's
// {error, kind} envelope. Kind matches one of poolerrors' Kind
// constants when the failure originated in the pool core, and is
// empty for failures outside that taxonomy (authentication, elicitation
// answers). The execution endpoint reports a malformed or invalid
// request body as MessageValidation.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s (%s)", http.StatusText(e.StatusCode), e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.StatusCode), e.Message)
}

// sentinelByKind maps the wire-level Kind string back to the
// poolerrors sentinel it was serialized from, so a client caller can
// errors.Is(err, poolerrors.ErrQueueFull) against an APIError exactly
// as it would against an in-process PoolError.
var sentinelByKind = map[string]error{
	string(poolerrors.KindWorkerStartup):       poolerrors.ErrWorkerStartup,
	string(poolerrors.KindWorkerTimeout):       poolerrors.ErrWorkerTimeout,
	string(poolerrors.KindWorkerMemory):        poolerrors.ErrWorkerMemory,
	string(poolerrors.KindWorkerCrashed):       poolerrors.ErrWorkerCrashed,
	string(poolerrors.KindWorkerPoolDisposed):  poolerrors.ErrWorkerPoolDisposed,
	string(poolerrors.KindQueueFull):           poolerrors.ErrQueueFull,
	string(poolerrors.KindQueueTimeout):        poolerrors.ErrQueueTimeout,
	string(poolerrors.KindExecutionAborted):    poolerrors.ErrExecutionAborted,
	string(poolerrors.KindMessageFlood):        poolerrors.ErrMessageFlood,
	string(poolerrors.KindMessageValidation):   poolerrors.ErrMessageValidation,
	string(poolerrors.KindMessageSize):         poolerrors.ErrMessageSize,
	string(poolerrors.KindTooManyPendingCalls): poolerrors.ErrTooManyPendingCalls,
}

// Unwrap exposes the poolerrors sentinel matching e.Kind, if any, so
// errors.Is against the pool's error taxonomy works across the HTTP
// boundary the same way it does in-process.
func (e *APIError) Unwrap() error {
	return sentinelByKind[e.Kind]
}

// parseError parses an error response.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var envelope struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Kind: envelope.Kind, Message: envelope.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
}
