package credential

import (
	"net/http"
	"strings"
)

// Well-known cookie keys.
const (
	// UserIDKey carries the marketplace user id of the logged-in account.
	UserIDKey = "unb"
	// SignTokenKey carries the bootstrap signing token ("<token>_<expiry>").
	SignTokenKey = "_m_h5_tk"
)

// Cookie is one name=value pair of a cookie header.
type Cookie struct {
	Name  string
	Value string
}

// Cookies is an ordered cookie bag. Order is preserved so that the header
// sent upstream matches what the browser produced.
type Cookies []Cookie

// ParseCookies parses a raw "a=1; b=2" cookie header. Malformed segments
// are skipped; later duplicates overwrite earlier values.
func ParseCookies(raw string) Cookies {
	var out Cookies
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out = out.Set(name, strings.TrimSpace(value))
	}
	return out
}

// Get returns the value for name and whether it was present.
func (c Cookies) Get(name string) (string, bool) {
	for _, ck := range c {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Set replaces the value for name in place or appends it.
func (c Cookies) Set(name, value string) Cookies {
	for i := range c {
		if c[i].Name == name {
			c[i].Value = value
			return c
		}
	}
	return append(c, Cookie{Name: name, Value: value})
}

// Merge overlays updates onto c, keeping the position of existing keys.
func (c Cookies) Merge(updates Cookies) Cookies {
	out := make(Cookies, len(c))
	copy(out, c)
	for _, u := range updates {
		out = out.Set(u.Name, u.Value)
	}
	return out
}

// FromHTTP converts Set-Cookie results into a Cookies bag. Deleted cookies
// (empty value or negative MaxAge) are skipped.
func FromHTTP(cookies []*http.Cookie) Cookies {
	var out Cookies
	for _, hc := range cookies {
		if hc == nil || hc.Value == "" || hc.MaxAge < 0 {
			continue
		}
		out = out.Set(hc.Name, hc.Value)
	}
	return out
}

// String renders the bag as a Cookie header value.
func (c Cookies) String() string {
	parts := make([]string, 0, len(c))
	for _, ck := range c {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// UserID returns the marketplace user id carried by the bag.
func (c Cookies) UserID() string {
	v, _ := c.Get(UserIDKey)
	return v
}

// SignToken returns the bootstrap signing token from the _m_h5_tk cookie,
// used before an access token has been obtained.
func (c Cookies) SignToken() string {
	v, ok := c.Get(SignTokenKey)
	if !ok {
		return ""
	}
	tok, _, _ := strings.Cut(v, "_")
	return tok
}
