package chatsync

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
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST collaborators: conversation history and file
// uploads.
//
//	client := chatsync.NewClient("https://chat.example.com", token)
//	convs, _ := client.Conversations.List(ctx)
//	att, _ := client.Files.UploadFile(ctx, "report.pdf", nil)
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Files         *FilesClient
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty for servers that
// authenticate by other means.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// BaseURL returns the configured origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Result is the response envelope shared by every endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// err converts an unsuccessful envelope into an error.
func (r *Result) err(fallback string) error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: fallback}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, int, error) {
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
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, fmt.Errorf("%s %s (HTTP %d): %w", method, path, status, err)
	}
	return res, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// Health checks that the REST service answers.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.do(ctx, "GET", "/health", nil, nil)
	if err != nil {
		return err
	}
	return res.err("health check failed")
}

// ============================================================================
// Conversations
// ============================================================================

// HistorySource seeds a session from the REST history service.
type HistorySource interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	MessagePage(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages []WireMessage `json:"messages"`
	Page     int           `json:"page"`
	HasMore  bool          `json:"hasMore"`
}

// ConversationsClient reads conversation lists and history.
type ConversationsClient struct{ c *Client }

var _ HistorySource = (*ConversationsClient)(nil)

// List returns conversation snapshots.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.do(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.err("list conversations failed"); err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

func (cv *ConversationsClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	return cv.List(ctx)
}

// MessagePage fetches one page of history. page starts at 1.
func (cv *ConversationsClient) MessagePage(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	q := map[string]string{"page": strconv.Itoa(page)}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	res, err := cv.c.do(ctx, "GET", "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	if err := res.err("fetch history failed"); err != nil {
		return nil, err
	}
	var mp MessagePage
	if err := res.Decode(&mp); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if mp.Page == 0 {
		mp.Page = page
	}
	return &mp, nil
}

// MarkRead records on the server that the conversation has been read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	res, err := cv.c.do(ctx, "POST", "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	if err != nil {
		return err
	}
	return res.err("mark read failed")
}
