package shiftlinesdk

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

// Client is a minimal Shiftline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers only honor it
	// with the legacy header switch enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Shift represents the API shift model (partial).
type Shift struct {
	ID                   string   `json:"id"`
	RequesterID          string   `json:"requester_id"`
	Title                string   `json:"title"`
	Status               string   `json:"status"`
	RequiredCount        int      `json:"required_count"`
	AdmittedCount        int      `json:"admitted_count"`
	AdmittedFulfillerIDs []string `json:"admitted_fulfiller_ids"`
	RequesterCompleted   bool     `json:"requester_completed"`
	FulfillerCompleted   bool     `json:"fulfiller_completed"`
	Version              int64    `json:"version"`
}

// NewShift is the payload for posting a shift.
type NewShift struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Location      string `json:"location,omitempty"`
	PayAmount     int64  `json:"pay_amount"`
	PayCurrency   string `json:"pay_currency"`
	StartsAt      string `json:"starts_at"`
	EndsAt        string `json:"ends_at"`
	RequiredCount int    `json:"required_count"`
	Publish       bool   `json:"publish,omitempty"`
}

type Application struct {
	ID          string `json:"id"`
	ShiftID     string `json:"shift_id"`
	CandidateID string `json:"candidate_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type Admission struct {
	ApplicationID string `json:"application_id"`
	Status        string `json:"status"`
	ShiftStatus   string `json:"shift_status"`
	AdmittedCount int    `json:"admitted_count"`
	RequiredCount int    `json:"required_count"`
}

type Completion struct {
	UserCompleted bool   `json:"user_completed"`
	BothCompleted bool   `json:"both_completed"`
	State         string `json:"state"`
	Message       string `json:"message"`
	RecordID      string `json:"record_id,omitempty"`
}

// Record is the completion record issued once both parties confirm.
type Record struct {
	ID           string   `json:"id"`
	ShiftID      string   `json:"shift_id"`
	RequesterID  string   `json:"requester_id"`
	FulfillerIDs []string `json:"fulfiller_ids"`
	IssuedAt     string   `json:"issued_at"`
}

type Reputation struct {
	UserID  string  `json:"user_id"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

type RatingOutcome struct {
	Accepted   bool       `json:"accepted"`
	Reputation Reputation `json:"reputation"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Retryable are filled from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsRetryable reports whether err is an API error the server marked retryable, such as
// shift_full. Re-read the shift before retrying.
func IsRetryable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Retryable
}

func (c *Client) CreateShift(ctx context.Context, in NewShift) (Shift, error) {
	var resp Shift
	err := c.do(ctx, http.MethodPost, "shifts", in, &resp)
	return resp, err
}

func (c *Client) GetShift(ctx context.Context, shiftID string) (Shift, error) {
	var resp Shift
	err := c.do(ctx, http.MethodGet, "shifts/"+url.PathEscape(shiftID), nil, &resp)
	return resp, err
}

func (c *Client) PublishShift(ctx context.Context, shiftID string) (Shift, error) {
	var resp Shift
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/publish", nil, &resp)
	return resp, err
}

func (c *Client) CancelShift(ctx context.Context, shiftID, reason string) (Shift, error) {
	var resp Shift
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Apply submits the caller's application to a shift.
func (c *Client) Apply(ctx context.Context, shiftID, message string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/applications", map[string]any{"message": message}, &resp)
	return resp, err
}

func (c *Client) ListApplications(ctx context.Context, shiftID string) ([]Application, error) {
	var resp []Application
	err := c.do(ctx, http.MethodGet, "shifts/"+url.PathEscape(shiftID)+"/applications", nil, &resp)
	return resp, err
}

func (c *Client) Withdraw(ctx context.Context, applicationID string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(applicationID)+"/withdraw", nil, &resp)
	return resp, err
}

// Admit accepts (approved) or rejects a pending application.
func (c *Client) Admit(ctx context.Context, shiftID, applicationID string, approved bool) (Admission, error) {
	body := map[string]any{
		"application_id": applicationID,
		"approved":       approved,
	}
	var resp Admission
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/admission", body, &resp)
	return resp, err
}

// Confirm records the caller's completion signal in role (requester or fulfiller).
func (c *Client) Confirm(ctx context.Context, shiftID, role string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/completion", map[string]any{"caller_role": role}, &resp)
	return resp, err
}

func (c *Client) Rate(ctx context.Context, shiftID, ratedID string, score int, comment string) (RatingOutcome, error) {
	body := map[string]any{
		"rated_party_id": ratedID,
		"score":          score,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp RatingOutcome
	err := c.do(ctx, http.MethodPost, "shifts/"+url.PathEscape(shiftID)+"/ratings", body, &resp)
	return resp, err
}

func (c *Client) ShiftRecord(ctx context.Context, shiftID string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "shifts/"+url.PathEscape(shiftID)+"/record", nil, &resp)
	return resp, err
}

func (c *Client) Reputation(ctx context.Context, userID string) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/reputation", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
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
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Retryable, _ = envelope.Error.Details["retryable"].(bool)
	}
	return apiErr
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
