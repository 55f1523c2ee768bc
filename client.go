// Package agentdesk keeps a live-agent console's view of its conversations in
// sync with the server.
//
// It covers the REST collaborators (paginated and single conversation
// fetches, teams, the logged-in user), the push transports (WebSocket, SSE
// and signed webhooks) and the Engine that reconciles both sources into one
// ordered, filtered list.
//
// Example:
//
//	client := agentdesk.NewClient("token", agentdesk.WithBaseURL("https://desk.example.com"))
//	me, _ := client.Account.Me(ctx)
//
//	engine := agentdesk.NewEngine(agentdesk.EngineOptions{
//		User:        *me,
//		WorkspaceID: "ws-1",
//		Fetcher:     client.Conversations,
//	})
//	engine.Start(ctx)
//	engine.LoadPage(ctx, 0, 50)
//
//	ws := client.Realtime.ConnectWS(&agentdesk.RealtimeConfig{AutoReconnect: true})
//	ws.OnEvent(engine.HandleEvent)
//	ws.Connect(ctx)
package agentdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.agentdesk.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// ConversationFetcher is the REST surface the Engine depends on.
type ConversationFetcher interface {
	FetchConversations(ctx context.Context, workspaceID string, offset, limit int, filter Filter) (*ConversationPage, error)
	FetchOne(ctx context.Context, conversationID, workspaceID string) (*Conversation, error)
}

// TeamFetcher lists the teams of a workspace for permission checks.
type TeamFetcher interface {
	FetchTeams(ctx context.Context, workspaceID string) ([]Team, error)
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Account       *AccountClient
	Conversations *ConversationsClient
	Teams         *TeamsClient
	Realtime      *RealtimeClient
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

// NewClient creates a new client authenticated with token.
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

	c.Account = &AccountClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Teams = &TeamsClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// do performs a request and decodes the response envelope. Non-2xx statuses
// and envelopes with ok=false come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result APIResult
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		if decodeErr == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if !result.OK && result.Error != nil {
		result.Error.Status = resp.StatusCode
		return nil, result.Error
	}
	return &result, nil
}

func workspacePath(workspaceID string, parts ...string) string {
	p := "/api/workspaces/" + url.PathEscape(workspaceID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// Account
// ============================================================================

type AccountClient struct{ client *Client }

// Me returns the logged-in user.
func (a *AccountClient) Me(ctx context.Context) (*User, error) {
	res, err := a.client.do(ctx, http.MethodGet, "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := res.Decode(&u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationsClient struct{ client *Client }

type searchRequest struct {
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Filter Filter `json:"filter"`
}

// FetchConversations returns one page for filter along with the server-side
// predicate equivalent to it.
func (cv *ConversationsClient) FetchConversations(ctx context.Context, workspaceID string, offset, limit int, filter Filter) (*ConversationPage, error) {
	res, err := cv.client.do(ctx, http.MethodPost, workspacePath(workspaceID, "conversations", "search"),
		&searchRequest{Offset: offset, Limit: limit, Filter: filter}, nil)
	if err != nil {
		return nil, err
	}
	page := &ConversationPage{Query: res.Query}
	if err := res.Decode(&page.Data); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return page, nil
}

// FetchOne loads a single conversation. Permission failures satisfy
// errors.Is(err, ErrUnauthorized).
func (cv *ConversationsClient) FetchOne(ctx context.Context, conversationID, workspaceID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, http.MethodGet, workspacePath(workspaceID, "conversations", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := res.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if c.ID == "" {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Count returns how many conversations match filter.
func (cv *ConversationsClient) Count(ctx context.Context, workspaceID string, filter Filter) (int, error) {
	res, err := cv.client.do(ctx, http.MethodPost, workspacePath(workspaceID, "conversations", "count"),
		&searchRequest{Filter: filter}, nil)
	if err != nil {
		return 0, err
	}
	var n struct {
		Total int `json:"total"`
	}
	if err := res.Decode(&n); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	return n.Total, nil
}

// ============================================================================
// Teams
// ============================================================================

type TeamsClient struct{ client *Client }

// FetchTeams lists the workspace teams with their members and permissions.
func (t *TeamsClient) FetchTeams(ctx context.Context, workspaceID string) ([]Team, error) {
	res, err := t.client.do(ctx, http.MethodGet, workspacePath(workspaceID, "teams"), nil,
		map[string]string{"members": strconv.FormatBool(true)})
	if err != nil {
		return nil, err
	}
	var teams []Team
	if err := res.Decode(&teams); err != nil {
		return nil, fmt.Errorf("decode teams: %w", err)
	}
	return teams, nil
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient builds push transports against the client's base URL.
type RealtimeClient struct{ client *Client }

// WSUrl returns the WebSocket URL.
func (r *RealtimeClient) WSUrl() string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// SSEUrl returns the event-stream URL, scoped to workspaceID when given.
func (r *RealtimeClient) SSEUrl(workspaceID string) string {
	if workspaceID != "" {
		return r.client.baseURL + "/sse?workspaceId=" + url.QueryEscape(workspaceID)
	}
	return r.client.baseURL + "/sse"
}

// ConnectWS creates a WebSocket client. Call Connect to establish the connection.
func (r *RealtimeClient) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := r.withToken(config)
	return NewRealtimeWSClient(r.WSUrl(), &cfg)
}

// ConnectSSE creates an SSE client. Call Connect to establish the connection.
func (r *RealtimeClient) ConnectSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := r.withToken(config)
	return NewRealtimeSSEClient(r.SSEUrl(cfg.WorkspaceID), &cfg)
}

func (r *RealtimeClient) withToken(config *RealtimeConfig) RealtimeConfig {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.client.token
	}
	return cfg
}
