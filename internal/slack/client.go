// Package slack is a minimal client for the Slack Web API methods slackq needs.
//
// Every response is decoded into the {ok, error} envelope first. A response with
// ok=false is returned as *APIError carrying the machine-readable code; callers
// never look at human-readable text.
package slack

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

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://slack.com/api/"

	MethodConversationsList = "conversations.list"
	MethodChatPostMessage   = "chat.postMessage"
	MethodChatGetPermalink  = "chat.getPermalink"
	MethodOAuthAccess       = "oauth.v2.access"

	CodeRateLimited = "ratelimited"

	maxResponseBytes = 4 << 20
)

// MetricsSink records provider calls. Implementations must not block.
type MetricsSink interface {
	ProviderCall(method, code string, d time.Duration)
}

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
	HTTPClient   *http.Client
}

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	limiter      *rate.Limiter
	metrics      MetricsSink
}

func New(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return &Client{
		baseURL:      base,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		http:         hc,
		limiter:      limiter,
	}
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink MetricsSink) *Client {
	c.metrics = sink
	return c
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

type ConversationsPage struct {
	Channels   []Channel
	NextCursor string
}

type PostedMessage struct {
	Channel string
	TS      string
	Raw     json.RawMessage
}

type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int
}

// ConversationsList returns one page of channels of the given types.
func (c *Client) ConversationsList(ctx context.Context, token string, types []string, cursor string) (ConversationsPage, error) {
	q := url.Values{}
	q.Set("types", strings.Join(types, ","))
	q.Set("limit", "100")
	q.Set("exclude_archived", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var body struct {
		Channels []Channel `json:"channels"`
		Meta     struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if _, err := c.get(ctx, MethodConversationsList, token, q, &body); err != nil {
		return ConversationsPage{}, err
	}
	return ConversationsPage{Channels: body.Channels, NextCursor: body.Meta.NextCursor}, nil
}

// ChatPostMessage posts text to a channel and returns the message timestamp.
func (c *Client) ChatPostMessage(ctx context.Context, token, channel, text string) (PostedMessage, error) {
	payload, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return PostedMessage{}, fmt.Errorf("marshal: %w", err)
	}

	var body struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
		Message struct {
			TS string `json:"ts"`
		} `json:"message"`
	}
	raw, err := c.post(ctx, MethodChatPostMessage, token, "application/json; charset=utf-8", payload, &body)
	if err != nil {
		return PostedMessage{}, err
	}

	ts := body.TS
	if ts == "" {
		ts = body.Message.TS
	}
	if ts == "" {
		return PostedMessage{}, &APIError{Method: MethodChatPostMessage, Code: "missing_ts"}
	}
	return PostedMessage{Channel: body.Channel, TS: ts, Raw: raw}, nil
}

// ChatGetPermalink resolves the shareable link of a posted message.
func (c *Client) ChatGetPermalink(ctx context.Context, token, channel, ts string) (string, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("message_ts", ts)

	var body struct {
		Permalink string `json:"permalink"`
	}
	if _, err := c.get(ctx, MethodChatGetPermalink, token, q, &body); err != nil {
		return "", err
	}
	return body.Permalink, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if _, err := c.post(ctx, MethodOAuthAccess, "", "application/x-www-form-urlencoded", []byte(form.Encode()), &body); err != nil {
		return Token{}, err
	}
	if body.AccessToken == "" {
		return Token{}, &APIError{Method: MethodOAuthAccess, Code: "missing_access_token"}
	}
	return Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Scope:        body.Scope,
		ExpiresIn:    body.ExpiresIn,
	}, nil
}

func (c *Client) get(ctx context.Context, method, token string, q url.Values, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+method+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", method, err)
	}
	return c.do(req, method, token, out)
}

func (c *Client) post(ctx context.Context, method, token, contentType string, body []byte, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, method, token, out)
}

func (c *Client) do(req *http.Request, method, token string, out any) (raw json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ProviderCall(method, codeOf(err), time.Since(start))
		}
	}()

	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", method, err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &APIError{Method: method, Code: CodeRateLimited, RetryAfter: time.Duration(retryAfter) * time.Second}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Code: "http_" + strconv.Itoa(resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	if !env.OK {
		code := env.Error
		if code == "" {
			code = "unknown_error"
		}
		return nil, &APIError{Method: method, Code: code}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%s: decode body: %w", method, err)
	}
	return data, nil
}

func codeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return "transport_error"
}
