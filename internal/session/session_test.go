package session

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCookie(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   string
	}{
		{"with attributes", []string{"JSESSIONID=abc123; Path=/"}, "abc123"},
		{"end of string", []string{"JSESSIONID=abc123"}, "abc123"},
		{"no header", nil, ""},
		{"other cookie", []string{"SID=zzz; Path=/"}, ""},
		{"second header", []string{"SID=zzz; Path=/", "JSESSIONID=def; HttpOnly"}, "def"},
		{"suffix name", []string{"XJSESSIONID=nope; Path=/"}, ""},
		{"folded", []string{"SID=zzz, JSESSIONID=folded; Secure"}, "folded"},
		{"empty value", []string{"JSESSIONID=; Path=/"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tc.header {
				h.Add("Set-Cookie", v)
			}
			assert.Equal(t, tc.want, ExtractCookie(h, "JSESSIONID"))
		})
	}
}

func TestContext_ExtractAndApply(t *testing.T) {
	s := New("")
	assert.Equal(t, DefaultCookie, s.CookieName())
	assert.Equal(t, "JSESSIONID was extracted", s.ExtractLabel())

	req := http.Header{}
	s.Apply(req)
	assert.Empty(t, req.Get("Cookie"), "no cookie before extraction")

	res := http.Header{}
	res.Add("Set-Cookie", "JSESSIONID=abc123; Path=/")
	assert.True(t, s.Extract(res))
	assert.True(t, s.HasToken())
	assert.Equal(t, "abc123", s.Token())

	s.Apply(req)
	assert.Equal(t, "JSESSIONID=abc123", req.Get("Cookie"))
}

func TestContext_MissingCookieKeepsEmptyToken(t *testing.T) {
	s := New("SESSION")
	assert.False(t, s.Extract(http.Header{}))
	assert.False(t, s.HasToken())
	assert.Equal(t, "SESSION was extracted", s.ExtractLabel())
}

func TestContext_FreshPerIteration(t *testing.T) {
	first := New("")
	h := http.Header{}
	h.Set("Set-Cookie", "JSESSIONID=one")
	first.Extract(h)
	first.Set("custNo", "42")

	second := New("")
	assert.Empty(t, second.Token())
	assert.Empty(t, second.Values())

	assert.Equal(t, map[string]string{"custNo": "42", "JSESSIONID": "one"}, first.Values())
}
