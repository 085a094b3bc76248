package statusflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Statusflow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers accept it
	// only when configured to.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task statuses.
const (
	StatusNew        = "NEW"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// Outcomes of a status change request and of resolving one.
const (
	OutcomeApplied         = "APPLIED"
	OutcomePendingApproval = "PENDING_APPROVAL"
	OutcomeApproved        = "APPROVED"
	OutcomeRejected        = "REJECTED"
)

type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type ChangeRequest struct {
	ID                    string  `json:"id"`
	TaskID                string  `json:"task_id"`
	ProjectID             string  `json:"project_id"`
	RequesterID           string  `json:"requester_id"`
	CurrentStatusSnapshot string  `json:"current_status_snapshot"`
	RequestedStatus       string  `json:"requested_status"`
	State                 string  `json:"state"`
	RejectionReason       *string `json:"rejection_reason,omitempty"`
	CreatedAt             string  `json:"created_at"`
	ResolvedAt            *string `json:"resolved_at,omitempty"`
	ResolvedBy            *string `json:"resolved_by,omitempty"`
}

// StatusChangeResult reports whether a change was applied or is waiting
// for approval. Request is set only in the latter case.
type StatusChangeResult struct {
	Outcome string         `json:"outcome"`
	Task    Task           `json:"task"`
	Request *ChangeRequest `json:"request,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ProjectID    string         `json:"project_id"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id"`
	ActorID      string         `json:"actor_id"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	TargetRole   string         `json:"target_role,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's machine-readable
// error code, e.g. proposal_already_pending.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateTask creates a task in status NEW.
func (c *Client) CreateTask(ctx context.Context, title, description string) (Task, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/"+url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// RequestStatusChange asks for taskID to move to status. Depending on the
// caller's role the change is applied at once or filed for approval.
func (c *Client) RequestStatusChange(ctx context.Context, taskID, status string) (StatusChangeResult, error) {
	var resp StatusChangeResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// TaskHistory lists every change request filed for taskID.
func (c *Client) TaskHistory(ctx context.Context, taskID string) ([]ChangeRequest, error) {
	var resp struct {
		Items []ChangeRequest `json:"items"`
	}
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/change-requests", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListPending returns the project's pending change requests, oldest first.
func (c *Client) ListPending(ctx context.Context) ([]ChangeRequest, error) {
	var resp struct {
		Items []ChangeRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("change-requests"), nil, &resp)
	return resp.Items, err
}

// GetChangeRequest fetches a change request by id.
func (c *Client) GetChangeRequest(ctx context.Context, id string) (ChangeRequest, error) {
	var resp ChangeRequest
	err := c.do(ctx, http.MethodGet, c.projectPath("change-requests/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Resolve approves or rejects a pending request. A reason is required to
// reject.
func (c *Client) Resolve(ctx context.Context, requestID, outcome, reason string) (ChangeRequest, error) {
	body := map[string]any{"outcome": outcome}
	if reason != "" {
		body["reason"] = reason
	}
	var resp ChangeRequest
	endpoint := c.projectPath(fmt.Sprintf("change-requests/%s/resolve", url.PathEscape(requestID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
