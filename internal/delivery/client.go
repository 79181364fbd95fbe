// Package delivery talks to Slack on behalf of a tenant. Every call fetches a
// valid credential first, so callers only deal in tenant and channel ids.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/slack"
)

// ScopeGroupsRead lets a token see private channels.
const ScopeGroupsRead = "groups:read"

type Credentials interface {
	GetValid(ctx context.Context, tenantID string) (domain.Credential, error)
}

// API is the subset of the Slack Web API the delivery client uses.
type API interface {
	ConversationsList(ctx context.Context, token string, types []string, cursor string) (slack.ConversationsPage, error)
	ChatPostMessage(ctx context.Context, token, channel, text string) (slack.PostedMessage, error)
	ChatGetPermalink(ctx context.Context, token, channel, ts string) (string, error)
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Posted is the provider's confirmation of a posted message. MessageID is the
// provider timestamp identifying the message within its channel.
type Posted struct {
	MessageID string
	Channel   string
	Raw       json.RawMessage
}

type Client struct {
	creds Credentials
	api   API
	log   *zap.Logger
}

func New(creds Credentials, api API, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{creds: creds, api: api, log: log.Named("delivery")}
}

// ListChannels returns every channel visible to the tenant's token, following
// pagination cursors until the provider reports no more pages.
func (c *Client) ListChannels(ctx context.Context, tenantID string) ([]Channel, error) {
	cred, err := c.creds.GetValid(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	types := []string{"public_channel"}
	if cred.HasScope(ScopeGroupsRead) {
		types = append(types, "private_channel")
	}

	out := []Channel{}
	cursor := ""
	for {
		page, err := c.api.ConversationsList(ctx, cred.AccessToken, types, cursor)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range page.Channels {
			out = append(out, Channel{ID: ch.ID, Name: ch.Name})
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) PostMessage(ctx context.Context, tenantID, channelID, text string) (Posted, error) {
	cred, err := c.creds.GetValid(ctx, tenantID)
	if err != nil {
		return Posted{}, err
	}

	msg, err := c.api.ChatPostMessage(ctx, cred.AccessToken, channelID, text)
	if err != nil {
		return Posted{}, fmt.Errorf("post message: %w", err)
	}
	channel := msg.Channel
	if channel == "" {
		channel = channelID
	}
	return Posted{MessageID: msg.TS, Channel: channel, Raw: msg.Raw}, nil
}

// GetPermalink returns the link of a posted message. A provider-side failure
// yields an empty link and no error.
func (c *Client) GetPermalink(ctx context.Context, tenantID, channelID, messageID string) (string, error) {
	cred, err := c.creds.GetValid(ctx, tenantID)
	if err != nil {
		return "", err
	}

	link, err := c.api.ChatGetPermalink(ctx, cred.AccessToken, channelID, messageID)
	var apiErr *slack.APIError
	if errors.As(err, &apiErr) {
		c.log.Debug("permalink unavailable",
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channelID),
			zap.String("code", apiErr.Code))
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get permalink: %w", err)
	}
	return link, nil
}
