// Package learnhub provides the Go SDK for the LearnHub bootcamp portal API.
//
// The SDK has three layers: a request/response Client for the portal's REST
// endpoints, a RealtimeClient for the server-push event channel, and a
// ChatSync synchronizer that keeps an in-memory chat cache and a durable
// local mirror consistent with both.
//
// Example:
//
//	client := learnhub.NewClient("eyJhbGci...")
//	chats, _ := client.Chats.List(ctx)
//
//	sync := learnhub.NewChatSync(learnhub.ChatSyncConfig{
//		Gateway:   client.Chats,
//		Channel:   client.Realtime(&learnhub.RealtimeConfig{Token: token}),
//		Mirror:    mirror,
//		LocalUser: learnhub.User{ID: userID},
//	})
//	sync.Start(ctx)
package learnhub

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

const (
	DefaultBaseURL = "https://portal.learnhub.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response gateway to the portal backend. Responses
// are authoritative: the synchronizer applies them last-write-wins over any
// locally seeded state.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Chats         *ChatsClient
	Programs      *ProgramsClient
	Payments      *PaymentsClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new portal client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Chats = &ChatsClient{c: c}
	c.Programs = &ProgramsClient{c: c}
	c.Payments = &PaymentsClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken sets or updates the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured portal base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks portal API health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr converts a failed Result into an error.
func resultErr(res *Result, fallback string) error {
	if res.Error != nil {
		return res.Error
	}
	return fmt.Errorf("%s", fallback)
}

func paginationQuery(opts *PaginationOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Page > 0 {
		q["page"] = fmt.Sprintf("%d", opts.Page)
	}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient handles chat and message endpoints. It satisfies the Gateway
// interface consumed by ChatSync.
type ChatsClient struct{ c *Client }

// List fetches the authoritative chat list for the current user.
func (ch *ChatsClient) List(ctx context.Context) ([]*Chat, error) {
	res, err := ch.c.do(ctx, "GET", "/api/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch chats")
	}
	var chats []*Chat
	if err := res.Decode(&chats); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %w", err)
	}
	return chats, nil
}

// Messages fetches one page of a chat's messages.
func (ch *ChatsClient) Messages(ctx context.Context, chatID string, page, limit int) (*MessagePage, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chatID is required")
	}
	query := map[string]string{}
	if page > 0 {
		query["page"] = fmt.Sprintf("%d", page)
	}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	res, err := ch.c.do(ctx, "GET", "/api/chats/"+chatID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch messages")
	}
	var pageData MessagePage
	if err := res.Decode(&pageData); err != nil {
		return nil, fmt.Errorf("failed to decode message page: %w", err)
	}
	if pageData.Chat == nil {
		pageData.Chat = &ChatRef{ID: chatID}
	}
	return &pageData, nil
}

// MarkMessage mutates a message's delivery status ("delivered", "read").
func (ch *ChatsClient) MarkMessage(ctx context.Context, messageID, status string) (*Result, error) {
	if messageID == "" {
		return nil, fmt.Errorf("messageID is required")
	}
	return ch.c.do(ctx, "PATCH", "/api/messages/"+messageID, map[string]string{"status": status}, nil)
}

// ============================================================================
// Programs
// ============================================================================

// ProgramsClient handles program catalogue and enrollment endpoints.
type ProgramsClient struct{ c *Client }

func (p *ProgramsClient) List(ctx context.Context) ([]*Program, error) {
	res, err := p.c.do(ctx, "GET", "/api/programs", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch programs")
	}
	var programs []*Program
	if err := res.Decode(&programs); err != nil {
		return nil, fmt.Errorf("failed to decode programs: %w", err)
	}
	return programs, nil
}

func (p *ProgramsClient) Get(ctx context.Context, programID string) (*Result, error) {
	return p.c.do(ctx, "GET", "/api/programs/"+programID, nil, nil)
}

func (p *ProgramsClient) Enroll(ctx context.Context, programID string) (*Result, error) {
	return p.c.do(ctx, "POST", "/api/programs/"+programID+"/enroll", nil, nil)
}

func (p *ProgramsClient) Enrollments(ctx context.Context) ([]*Enrollment, error) {
	res, err := p.c.do(ctx, "GET", "/api/enrollments", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch enrollments")
	}
	var enrollments []*Enrollment
	if err := res.Decode(&enrollments); err != nil {
		return nil, fmt.Errorf("failed to decode enrollments: %w", err)
	}
	return enrollments, nil
}

// ============================================================================
// Payments
// ============================================================================

// PaymentsClient handles payment history endpoints.
type PaymentsClient struct{ c *Client }

func (p *PaymentsClient) History(ctx context.Context, opts *PaginationOptions) ([]*Payment, error) {
	res, err := p.c.do(ctx, "GET", "/api/payments", nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch payments")
	}
	var payments []*Payment
	if err := res.Decode(&payments); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}
	return payments, nil
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient handles portal notification endpoints.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, opts *PaginationOptions) ([]*Notification, error) {
	res, err := n.c.do(ctx, "GET", "/api/notifications", nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "failed to fetch notifications")
	}
	var notifications []*Notification
	if err := res.Decode(&notifications); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}
	return notifications, nil
}

func (n *NotificationsClient) MarkSeen(ctx context.Context, notificationID string) (*Result, error) {
	return n.c.do(ctx, "POST", "/api/notifications/"+notificationID+"/seen", nil, nil)
}

// ============================================================================
// Realtime factory
// ============================================================================

// Realtime creates a real-time event channel client bound to this client's
// base URL. Call Connect() to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return newRealtimeClient(c.baseURL, &cfg)
}
