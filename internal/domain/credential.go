package domain

import "time"

// Credential is the OAuth token set of one tenant.
type Credential struct {
	TenantID     string
	AccessToken  string
	RefreshToken *string
	TokenType    string
	Scopes       []string
	ExpiresAt    *time.Time // nil never expires

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NeedsRefresh reports whether the access token is inside the refresh margin.
func (c Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(c.ExpiresAt.Add(-margin))
}
