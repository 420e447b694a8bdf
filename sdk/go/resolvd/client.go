package resolvd

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

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the resolvd server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the tenant-scoped secret sent as a Bearer token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the resolvd exception pipeline API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("resolvd: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resolvd: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// RaiseException reports a new business exception. The server accepts the
// report asynchronously; track progress with GetException.
func (c *Client) RaiseException(ctx context.Context, req RaiseExceptionRequest) (*RaiseExceptionResponse, error) {
	var resp RaiseExceptionResponse
	if err := c.post(ctx, "/v1/exceptions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetException returns the current state of one exception.
func (c *Client) GetException(ctx context.Context, exceptionID string) (*Exception, error) {
	var exc Exception
	if err := c.get(ctx, "/v1/exceptions/"+url.PathEscape(exceptionID), &exc); err != nil {
		return nil, err
	}
	return &exc, nil
}

// ListOpenExceptions returns the ids of the tenant's open exceptions.
func (c *Client) ListOpenExceptions(ctx context.Context) ([]string, error) {
	var resp struct {
		ExceptionIDs []string `json:"exception_ids"`
	}
	if err := c.get(ctx, "/v1/exceptions", &resp); err != nil {
		return nil, err
	}
	return resp.ExceptionIDs, nil
}

// GetEvents returns an exception's full event timeline.
func (c *Client) GetEvents(ctx context.Context, exceptionID string) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/exceptions/"+url.PathEscape(exceptionID)+"/events", &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetSteps returns the projected playbook step status of an exception.
func (c *Client) GetSteps(ctx context.Context, exceptionID string) ([]Step, error) {
	var resp struct {
		Steps []Step `json:"steps"`
	}
	if err := c.get(ctx, "/v1/exceptions/"+url.PathEscape(exceptionID)+"/steps", &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

// GetToolExecutions returns the redacted tool invocation records of an
// exception.
func (c *Client) GetToolExecutions(ctx context.Context, exceptionID string) ([]ToolExecution, error) {
	var resp struct {
		Executions []ToolExecution `json:"executions"`
	}
	if err := c.get(ctx, "/v1/exceptions/"+url.PathEscape(exceptionID)+"/executions", &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// ListPendingApprovals returns the tenant's undecided approval tickets.
func (c *Client) ListPendingApprovals(ctx context.Context) ([]ApprovalTicket, error) {
	var resp struct {
		Tickets []ApprovalTicket `json:"tickets"`
	}
	if err := c.get(ctx, "/v1/approvals", &resp); err != nil {
		return nil, err
	}
	return resp.Tickets, nil
}

// ResolveApproval decides a pending ticket. Approving resumes the
// suspended exception; rejecting closes it. IsConflict reports a ticket
// that was already decided.
func (c *Client) ResolveApproval(ctx context.Context, ticketID uuid.UUID, req ResolveApprovalRequest) (*ApprovalTicket, error) {
	var ticket ApprovalTicket
	if err := c.post(ctx, "/v1/approvals/"+ticketID.String(), req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListDeadLetters returns messages the pipeline parked for operator review.
func (c *Client) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var resp struct {
		DeadLetters []DeadLetter `json:"dead_letters"`
	}
	if err := c.get(ctx, "/v1/deadletters", &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Health checks server liveness. It requires no API key on the server
// side but sends one anyway for simplicity.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("resolvd: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("resolvd: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("resolvd: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("resolvd: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("resolvd: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("resolvd: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
