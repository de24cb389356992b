package credential

import (
	"time"

	"github.com/zulandar/shopkeep/internal/models"
)

// Token is a short-lived access token. Sessions hold it behind an
// atomic.Pointer and replace it wholesale on refresh.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Usable reports whether the token is present and will not expire within lead.
func (t *Token) Usable(now time.Time, lead time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Add(lead).Before(t.ExpiresAt)
}

// TokenOf returns the stored access token of c, or nil if none is stored.
func TokenOf(c *models.Credential) *Token {
	if c == nil || c.AccessToken == "" || c.AccessTokenExpiresAt == nil {
		return nil
	}
	return &Token{Value: c.AccessToken, ExpiresAt: *c.AccessTokenExpiresAt}
}
