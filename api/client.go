// Package api talks to the chat backend's REST surface. All responses are
// converted into the structured error taxonomy at this boundary.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chatwire/chatwire/apierr"
	"github.com/chatwire/chatwire/event"
	"github.com/chatwire/chatwire/model"
)

// Interceptor may modify an outbound request before it is sent. Used for
// auth token and API key injection.
type Interceptor func(*http.Request)

// AuthToken returns an interceptor injecting a bearer token. The provider
// is called per request so token refreshes take effect immediately.
func AuthToken(provider func() string) Interceptor {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+provider())
	}
}

// APIKey returns an interceptor injecting the application key.
func APIKey(key string) Interceptor {
	return func(req *http.Request) {
		req.Header.Set("X-API-Key", key)
	}
}

// Client is the REST API client.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	interceptors []Interceptor
}

// NewClient creates an API client. If httpClient is nil, a client with a
// 30 second timeout is used.
func NewClient(httpClient *http.Client, baseURL string, interceptors ...Interceptor) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		interceptors: interceptors,
	}
}

// apiError is the backend's structured error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apierr.Parse("request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return apierr.Validation("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for _, ic := range c.interceptors {
		ic(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Network(method+" "+endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Network("read response from "+endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Message != "" {
			return &apierr.ServerError{Code: ae.Code, Message: ae.Message, StatusCode: resp.StatusCode}
		}
		// No structured error body: treat as a network-level failure,
		// hence transient.
		return apierr.Network(endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return apierr.Parse("response from "+endpoint, err)
		}
	}
	return nil
}

// SendMessage creates a message in its channel.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	channelType, channelID, err := model.SplitCID(msg.CID)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Message model.Message `json:"message"`
	}
	endpoint := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(channelType), url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"message": msg}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// UpdateMessage replaces a message's content.
func (c *Client) UpdateMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.ID == "" {
		return nil, apierr.Validation("message.id", "empty")
	}
	var resp struct {
		Message model.Message `json:"message"`
	}
	endpoint := "/messages/" + url.PathEscape(msg.ID)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"message": msg}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// DeleteMessage soft-deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, id string) (*model.Message, error) {
	if id == "" {
		return nil, apierr.Validation("message.id", "empty")
	}
	var resp struct {
		Message model.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// SendReaction adds a reaction to a message.
func (c *Client) SendReaction(ctx context.Context, r model.Reaction) (*model.Reaction, error) {
	if r.MessageID == "" {
		return nil, apierr.Validation("reaction.message_id", "empty")
	}
	var resp struct {
		Reaction model.Reaction `json:"reaction"`
	}
	endpoint := "/messages/" + url.PathEscape(r.MessageID) + "/reaction"
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reaction": r}, &resp); err != nil {
		return nil, err
	}
	return &resp.Reaction, nil
}

// DeleteReaction removes a reaction from a message.
func (c *Client) DeleteReaction(ctx context.Context, messageID, reactionType string) error {
	if messageID == "" {
		return apierr.Validation("reaction.message_id", "empty")
	}
	endpoint := "/messages/" + url.PathEscape(messageID) + "/reaction/" + url.PathEscape(reactionType)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// CreateChannel creates (or idempotently re-creates) a channel.
func (c *Client) CreateChannel(ctx context.Context, ch model.Channel) (*model.Channel, error) {
	channelType, channelID, err := model.SplitCID(ch.CID)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Channel model.Channel `json:"channel"`
	}
	endpoint := fmt.Sprintf("/channels/%s/%s", url.PathEscape(channelType), url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"channel": ch}, &resp); err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

// QueryChannel fetches the authoritative state of one channel: record,
// messages, members, reads.
func (c *Client) QueryChannel(ctx context.Context, cid string) (*model.ChannelPage, error) {
	channelType, channelID, err := model.SplitCID(cid)
	if err != nil {
		return nil, err
	}
	var page model.ChannelPage
	endpoint := fmt.Sprintf("/channels/%s/%s/query", url.PathEscape(channelType), url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"watch": true, "state": true}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// QueryChannels runs a channel-list query.
func (c *Client) QueryChannels(ctx context.Context, filter, sort string, limit int) ([]model.ChannelPage, string, error) {
	var resp struct {
		Channels []model.ChannelPage `json:"channels"`
		Next     string              `json:"next"`
	}
	body := map[string]any{"filter": filter, "sort": sort, "limit": limit}
	if err := c.do(ctx, http.MethodPost, "/channels", body, &resp); err != nil {
		return nil, "", err
	}
	return resp.Channels, resp.Next, nil
}

// SyncEvents fetches the events missed since the given checkpoint for the
// listed channels, in original server order.
func (c *Client) SyncEvents(ctx context.Context, cids []string, since time.Time) ([]event.Event, error) {
	var resp struct {
		Events []event.Event `json:"events"`
	}
	body := map[string]any{"channel_cids": cids, "last_sync_at": since}
	if err := c.do(ctx, http.MethodPost, "/sync", body, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}
