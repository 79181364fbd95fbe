package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/SirClappington/slackq/internal/slack"
)

// SlackRefresher exchanges refresh tokens through oauth.v2.access.
type SlackRefresher struct {
	Client *slack.Client
}

func (r SlackRefresher) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	tok, err := r.Client.RefreshToken(ctx, refreshToken)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       splitScopes(tok.Scope),
		ExpiresIn:    time.Duration(tok.ExpiresIn) * time.Second,
	}, nil
}

func splitScopes(scope string) []string {
	var out []string
	for _, s := range strings.Split(scope, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
