// Package api is the client of the dashboard's REST service. The sync layer
// only reads through it; realtime events merely decide when to call it.
package api

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

	"github.com/pkg/errors"

	"github.com/megan/livesync/internal/credential"
	"github.com/megan/livesync/internal/syncerr"
)

// Collaborator is the subset of the REST service the sync layer refetches
// from.
type Collaborator interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error)
	SendMessage(ctx context.Context, conversationID, text, msgType string) (*SendResult, error)
	GetConversations(ctx context.Context, q ListQuery) (*ConversationPage, error)
	GetStats(ctx context.Context, connectionID, period string) (*Stats, error)
}

// Config holds REST client parameters.
type Config struct {
	BaseURL string        // e.g. "http://localhost:5001/api"
	Timeout time.Duration // per-request timeout
}

// DefaultConfig returns the dashboard's REST defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5001/api",
		Timeout: 10 * time.Second,
	}
}

// StatusError is a non-2xx answer other than 401.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the REST service with the bearer token of the current
// credential.
type Client struct {
	base  *url.URL
	http  *http.Client
	creds credential.Source
}

var _ Collaborator = (*Client)(nil)

// NewClient creates a Client.
func NewClient(config Config, creds credential.Source) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "api: parse base url %q", config.BaseURL)
	}
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: config.Timeout},
		creds: creds,
	}, nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// GetMessages fetches one page of a conversation's messages. Zero page or
// limit leaves the server default.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	q := url.Values{}
	setInt(q, "page", page)
	setInt(q, "limit", limit)

	var out MessagePage
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage sends a message to the contact of a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, msgType string) (*SendResult, error) {
	if msgType == "" {
		msgType = "text"
	}
	body := map[string]string{"message": text, "type": msgType}

	var out SendResult
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversations lists the conversations of a connection.
func (c *Client) GetConversations(ctx context.Context, lq ListQuery) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("connectionId", lq.ConnectionID)
	setInt(q, "page", lq.Page)
	setInt(q, "limit", lq.Limit)
	if lq.Status != "" {
		q.Set("status", lq.Status)
	}

	var out ConversationPage
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats fetches the summary statistics of a connection over period
// ("1d", "7d" or "30d").
func (c *Client) GetStats(ctx context.Context, connectionID, period string) (*Stats, error) {
	q := url.Values{}
	q.Set("connectionId", connectionID)
	if period != "" {
		q.Set("period", period)
	}

	var out struct {
		Stats Stats `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations/stats/summary", q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Stats, nil
}

// MarkAsRead marks a message read through REST.
func (c *Client) MarkAsRead(ctx context.Context, conversationID, messageID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// TakeOver hands a conversation from the bot to the calling agent.
func (c *Client) TakeOver(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/takeover", nil, nil, nil)
}

// Assign assigns a conversation to an agent.
func (c *Client) Assign(ctx context.Context, conversationID, agentID string) error {
	body := map[string]string{"agentId": agentID}
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/assign", nil, body, nil)
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out interface{}) error {
	u := *c.base
	u.Path = u.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "api: encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "api: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if cred, err := c.creds.Credential(); err == nil {
			req.Header.Set("Authorization", "Bearer "+cred.Token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return syncerr.New(syncerr.Unauthorized, method+" "+path, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		return errors.Wrapf(&StatusError{StatusCode: resp.StatusCode, Message: msg}, "api: %s %s", method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "api: decode %s %s", method, path)
	}
	return nil
}

func setInt(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}
