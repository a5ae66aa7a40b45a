package safelinesdk

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

// Client is a minimal Safeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers accept it
	// only when allow_actor_header is on.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Transition is one accepted lifecycle step.
type Transition struct {
	Seq       int    `json:"seq"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Trigger   string `json:"trigger"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
}

// Operation is the stored view of an operation.
type Operation struct {
	ID            string         `json:"id"`
	Service       string         `json:"service"`
	OperationType string         `json:"operation_type"`
	State         string         `json:"state"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

type GateResult struct {
	Gate    string         `json:"gate_type"`
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

type GateOutcome struct {
	AllPassed bool         `json:"all_passed"`
	Results   []GateResult `json:"results"`
}

// Result is returned by every lifecycle action.
type Result struct {
	OperationID   string         `json:"operation_id"`
	Service       string         `json:"service"`
	OperationType string         `json:"operation_type"`
	State         string         `json:"current_state"`
	Metadata      map[string]any `json:"metadata"`
	History       []Transition   `json:"history"`
	Gates         *GateOutcome   `json:"gates,omitempty"`
	Execution     *struct {
		Output  string `json:"output,omitempty"`
		Applied bool   `json:"applied"`
	} `json:"execution,omitempty"`
	Error string `json:"error,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	OperationID string `json:"operation_id"`
	Service     string `json:"service"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
	Hash        string `json:"hash"`
}

// PaginatedOperations wraps list responses with cursors.
type PaginatedOperations struct {
	Items      []Operation `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RunRequest starts an operation.
type RunRequest struct {
	OperationID   string         `json:"operation_id,omitempty"`
	Service       string         `json:"service"`
	OperationType string         `json:"operation_type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ListOptions filters ListOperations.
type ListOptions struct {
	Service       string
	OperationType string
	States        []string
	Limit         int
	Cursor        string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Run creates an operation and waits for the server to drive it.
func (c *Client) Run(ctx context.Context, req RunRequest) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "operations", req, &resp)
	return resp, err
}

func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, "operations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOperations returns one page of operations, most recently updated first.
func (c *Client) ListOperations(ctx context.Context, opts ListOptions) (PaginatedOperations, error) {
	q := url.Values{}
	if opts.Service != "" {
		q.Set("service", opts.Service)
	}
	if opts.OperationType != "" {
		q.Set("operation_type", opts.OperationType)
	}
	if len(opts.States) > 0 {
		q.Set("state", strings.Join(opts.States, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedOperations
	err := c.do(ctx, http.MethodGet, withQuery("operations", q), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, "operations/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context, id, approvalID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(id)+"/resume", map[string]string{"approval_id": approvalID}, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Pause(ctx context.Context, id, reason string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(id)+"/pause", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Rollback(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "operations/"+url.PathEscape(id)+"/rollback", nil, &resp)
	return resp, err
}

// CheckGates evaluates the gates without starting an operation.
func (c *Client) CheckGates(ctx context.Context, service, operationType string, metadata map[string]any) (GateOutcome, error) {
	body := map[string]any{"service": service, "operation_type": operationType}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp GateOutcome
	err := c.do(ctx, http.MethodPost, "gates/check", body, &resp)
	return resp, err
}

// Escalate notifies about operations paused longer than olderThan.
func (c *Client) Escalate(ctx context.Context, olderThan time.Duration) ([]string, error) {
	var resp struct {
		Escalated []string `json:"escalated"`
	}
	q := url.Values{"older_than": {olderThan.String()}}
	err := c.do(ctx, http.MethodPost, withQuery("escalations", q), nil, &resp)
	return resp.Escalated, err
}

// EventsPage returns a page of audit entries, newest first.
func (c *Client) EventsPage(ctx context.Context, operationID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if operationID != "" {
		q.Set("operation_id", operationID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
