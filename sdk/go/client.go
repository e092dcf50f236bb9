package formlinesdk

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

// Client is a minimal Formline HTTP API client. CreateSession captures the
// bearer token and anti-forgery token; subsequent calls reuse them.
type Client struct {
	BaseURL     string
	BearerToken string
	CsrfToken   string
	SessionID   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID               string `json:"id"`
	FormID           string `json:"form_id"`
	CurrentStep      int    `json:"current_step"`
	HighestCompleted int    `json:"highest_completed_step"`
	SubmitAttempted  bool   `json:"submit_attempted"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// NavResult reports the outcome of a navigation call. Errors is populated
// when validation blocked the move.
type NavResult struct {
	Session Session           `json:"session"`
	Applied bool              `json:"applied"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Draft represents saved field values.
type Draft struct {
	SessionID string            `json:"session_id"`
	Fields    map[string]string `json:"fields"`
	SavedAt   string            `json:"saved_at,omitempty"`
	Pending   bool              `json:"pending,omitempty"`
}

// Company is one registry search result.
type Company struct {
	LegalID      string `json:"legal_id"`
	TaxID        string `json:"tax_id"`
	LegalName    string `json:"legal_name"`
	ActivityCode string `json:"activity_code,omitempty"`
	VATNumber    string `json:"vat_number,omitempty"`
	Address      struct {
		Street     string `json:"street"`
		PostalCode string `json:"postal_code"`
		City       string `json:"city"`
	} `json:"address"`
}

// SubmitResult summarizes a completed submission.
type SubmitResult struct {
	SubmissionID  string `json:"submission_id"`
	DocumentPath  string `json:"document_path,omitempty"`
	DocumentBytes int64  `json:"document_bytes"`
	PayloadBytes  int64  `json:"payload_bytes"`
	Compressed    bool   `json:"compressed"`
	MailDelivered bool   `json:"mail_delivered"`
	MailWarning   string `json:"mail_warning,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSession starts a session and stores its credentials on the client.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var resp struct {
		Session   Session `json:"session"`
		Token     string  `json:"token"`
		CsrfToken string  `json:"csrf_token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/sessions", nil, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	c.CsrfToken = resp.CsrfToken
	c.SessionID = resp.Session.ID
	return resp.Session, nil
}

// GetSession fetches the current session.
func (c *Client) GetSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(""), nil, &resp)
	return resp, err
}

// SaveDraft stores field values. With immediate the write bypasses the
// server's debounce window.
func (c *Client) SaveDraft(ctx context.Context, fields map[string]string, immediate bool) (Draft, error) {
	body := map[string]any{"fields": fields, "immediate": immediate}
	var resp Draft
	err := c.do(ctx, http.MethodPut, c.sessionPath("draft"), body, &resp)
	return resp, err
}

// GetDraft returns the stored draft.
func (c *Client) GetDraft(ctx context.Context) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.sessionPath("draft"), nil, &resp)
	return resp, err
}

// ClearDraft discards the stored draft.
func (c *Client) ClearDraft(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath("draft"), nil, nil)
}

// Next advances to the next step if the current step validates.
func (c *Client) Next(ctx context.Context) (NavResult, error) {
	var resp NavResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("next"), nil, &resp)
	return resp, err
}

// Previous moves back one step.
func (c *Client) Previous(ctx context.Context) (NavResult, error) {
	var resp NavResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("previous"), nil, &resp)
	return resp, err
}

// Jump moves directly to an unlocked step.
func (c *Client) Jump(ctx context.Context, target int) (NavResult, error) {
	body := map[string]any{"target": target}
	var resp NavResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("jump"), body, &resp)
	return resp, err
}

// Reset returns the session to step 1.
func (c *Client) Reset(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath("reset"), nil, &resp)
	return resp, err
}

// Search queries the company registry proxy.
func (c *Client) Search(ctx context.Context, name, postal string) ([]Company, error) {
	endpoint := "v1/search?name=" + url.QueryEscape(name)
	if postal != "" {
		endpoint += "&postalCode=" + url.QueryEscape(postal)
	}
	var resp struct {
		Results []Company `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Results, err
}

// Submit runs the submission pipeline for the session.
func (c *Client) Submit(ctx context.Context) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("submit"), nil, &resp)
	return resp, err
}

// Events returns recent session events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.sessionPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.CsrfToken != "" && method != http.MethodGet {
		req.Header.Set("X-Csrf-Token", c.CsrfToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	base := fmt.Sprintf("v1/sessions/%s", url.PathEscape(c.SessionID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
