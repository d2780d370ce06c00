// Package client is a Go client for the envbook HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	// UserID and Role are sent as identity headers. The server honours them
	// only for localhost callers without an API key.
	UserID int64
	Role   string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithIdentity identifies a localhost caller that has no API key.
func WithIdentity(userID int64, role string) Option {
	return func(c *Client) {
		c.UserID = userID
		c.Role = strings.TrimSpace(role)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. Message is the server's "error" field.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("envbook: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("envbook: %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Booking struct {
	ID              int64      `json:"id"`
	EnvironmentID   int64      `json:"environment_id"`
	UserID          int64      `json:"user_id"`
	ReleaseID       *int64     `json:"release_id,omitempty"`
	ProjectName     string     `json:"project_name"`
	Purpose         string     `json:"purpose,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	ActualStartTime *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime   *time.Time `json:"actual_end_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Conflict struct {
	ID               int64      `json:"id"`
	BookingID1       int64      `json:"booking_id_1"`
	BookingID2       int64      `json:"booking_id_2"`
	EnvironmentID    int64      `json:"environment_id"`
	ConflictType     string     `json:"conflict_type"`
	Severity         string     `json:"severity"`
	ResolutionStatus string     `json:"resolution_status"`
	DetectedAt       time.Time  `json:"detected_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       *int64     `json:"resolved_by,omitempty"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
}

type Environment struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	CurrentUsage int       `json:"current_usage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Priority  string    `json:"priority"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateBookingRequest struct {
	EnvironmentID int64     `json:"environment_id"`
	ReleaseID     *int64    `json:"release_id,omitempty"`
	ProjectName   string    `json:"project_name"`
	Purpose       string    `json:"purpose,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Priority      string    `json:"priority,omitempty"`
}

type CreateBookingResponse struct {
	BookingID           int64      `json:"bookingId"`
	Booking             Booking    `json:"booking"`
	ConflictsDetected   bool       `json:"conflictsDetected"`
	Conflicts           []Conflict `json:"conflicts"`
	ConflictingBookings []Booking  `json:"conflictingBookings"`
}

// BookingQuery narrows ListBookings. Zero values are omitted.
type BookingQuery struct {
	EnvironmentID int64
	Statuses      []string
	From, To      time.Time
	Mine          bool
}

func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (CreateBookingResponse, error) {
	var out CreateBookingResponse
	err := c.do(ctx, http.MethodPost, "/api/bookings", req, &out)
	return out, err
}

func (c *Client) GetBooking(ctx context.Context, id int64) (Booking, error) {
	var out Booking
	err := c.do(ctx, http.MethodGet, "/api/bookings/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

func (c *Client) ListBookings(ctx context.Context, q BookingQuery) ([]Booking, error) {
	values := url.Values{}
	if q.EnvironmentID > 0 {
		values.Set("environment_id", strconv.FormatInt(q.EnvironmentID, 10))
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if !q.From.IsZero() {
		values.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		values.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Mine {
		values.Set("mine", "true")
	}
	var out struct {
		Bookings []Booking `json:"bookings"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("/api/bookings", values), nil, &out)
	return out.Bookings, err
}

// UpdateBookingStatus sets status to approved, rejected, cancelled or completed.
func (c *Client) UpdateBookingStatus(ctx context.Context, id int64, status, notes string) (Booking, error) {
	var out Booking
	body := map[string]string{"status": status, "notes": notes}
	err := c.do(ctx, http.MethodPatch, "/api/bookings/"+strconv.FormatInt(id, 10)+"/status", body, &out)
	return out, err
}

func (c *Client) DeleteBooking(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/bookings/"+strconv.FormatInt(id, 10), nil, nil)
}

// ListConflicts filters by environment when envID > 0 and by resolution
// status ("unresolved" or "resolved") when status is set.
func (c *Client) ListConflicts(ctx context.Context, envID int64, status string) ([]Conflict, error) {
	values := url.Values{}
	if envID > 0 {
		values.Set("environment_id", strconv.FormatInt(envID, 10))
	}
	if status != "" {
		values.Set("status", status)
	}
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("/api/conflicts", values), nil, &out)
	return out.Conflicts, err
}

func (c *Client) ResolveConflict(ctx context.Context, id int64, notes string) (Conflict, error) {
	var out Conflict
	body := map[string]string{"resolution_notes": notes}
	err := c.do(ctx, http.MethodPut, "/api/conflicts/"+strconv.FormatInt(id, 10)+"/resolve", body, &out)
	return out, err
}

func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var out struct {
		Environments []Environment `json:"environments"`
	}
	err := c.do(ctx, http.MethodGet, "/api/environments", nil, &out)
	return out.Environments, err
}

func (c *Client) ListNotifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	path := "/api/notifications"
	if unreadOnly {
		path += "?unread=true"
	}
	var out struct {
		Notifications []Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Notifications, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPut, "/api/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil)
}

func withQuery(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

// do sends payload as JSON (when non-nil) and decodes a 2xx body into out
// (when non-nil). Other statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req.Header)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) applyHeaders(h http.Header) {
	if c.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.APIKey)
		return
	}
	if c.UserID > 0 {
		h.Set("X-User-ID", strconv.FormatInt(c.UserID, 10))
		if c.Role != "" {
			h.Set("X-User-Role", c.Role)
		}
	}
}
