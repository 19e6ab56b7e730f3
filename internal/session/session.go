// Package session holds the values one iteration carries from earlier
// responses into later requests.
package session

import (
	"net/http"
	"strings"
)

// DefaultCookie is the session cookie name used when a scenario names none.
const DefaultCookie = "JSESSIONID"

// Context is the per-iteration session bag. A new Context is created for
// every iteration and never shared between workers, so it needs no locking.
type Context struct {
	cookieName string
	token      string
	values     map[string]string
}

// New returns an empty session tracking cookieName.
func New(cookieName string) *Context {
	if cookieName == "" {
		cookieName = DefaultCookie
	}
	return &Context{cookieName: cookieName, values: make(map[string]string)}
}

// CookieName returns the tracked cookie name.
func (c *Context) CookieName() string { return c.cookieName }

// Token returns the extracted session token, empty when none was found.
func (c *Context) Token() string { return c.token }

// HasToken reports whether a session token has been extracted.
func (c *Context) HasToken() bool { return c.token != "" }

// ExtractLabel is the check label recorded for the extraction step.
func (c *Context) ExtractLabel() string {
	return c.cookieName + " was extracted"
}

// Extract looks for the tracked cookie in the Set-Cookie headers of a
// response and stores its value. It reports whether a value was found.
func (c *Context) Extract(h http.Header) bool {
	if v := ExtractCookie(h, c.cookieName); v != "" {
		c.token = v
		return true
	}
	return false
}

// Apply attaches the session cookie to h when a token is present.
func (c *Context) Apply(h http.Header) {
	if c.token == "" {
		return
	}
	h.Set("Cookie", c.cookieName+"="+c.token)
}

// Set stores an arbitrary value for later requests of the iteration.
func (c *Context) Set(key, value string) { c.values[key] = value }

// Values returns a copy of everything stored with Set plus the token under
// the cookie name.
func (c *Context) Values() map[string]string {
	out := make(map[string]string, len(c.values)+1)
	for k, v := range c.values {
		out[k] = v
	}
	if c.token != "" {
		out[c.cookieName] = c.token
	}
	return out
}

// ExtractCookie returns the value of cookie name from the Set-Cookie headers
// in h. The value runs up to the next ';' or the end of the header.
func ExtractCookie(h http.Header, name string) string {
	prefix := name + "="
	for _, line := range h.Values("Set-Cookie") {
		// several cookies may be folded into one header line
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			idx := strings.Index(part, prefix)
			if idx < 0 {
				continue
			}
			if idx > 0 && part[idx-1] != ' ' && part[idx-1] != ';' {
				continue
			}
			v := part[idx+len(prefix):]
			if end := strings.IndexByte(v, ';'); end >= 0 {
				v = v[:end]
			}
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
