package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request describes one HTTP call.
type Request struct {
	Method string
	URL    string
	// Params become the query string for GET, HEAD and DELETE and a JSON
	// body otherwise. Anything other than a map is ignored.
	Params any
	Header http.Header
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func queryMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

// Build turns r into an *http.Request bound to ctx.
func (r Request) Build(ctx context.Context) (*http.Request, error) {
	method := r.method()
	target := r.URL

	var body io.Reader
	var isJSON bool
	if queryMethod(method) {
		if q := EncodeQuery(r.Params); q != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + q
		}
	} else {
		b, err := EncodeBody(r.Params)
		if err != nil {
			return nil, err
		}
		if len(b) > 0 {
			body = bytes.NewReader(b)
			isJSON = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, r.URL, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	return req, nil
}

// EncodeQuery percent-encodes a params map as key=value pairs joined by '&',
// sorted by key. Nil, empty or non-map params give an empty string.
func EncodeQuery(params any) string {
	m := asMap(params)
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escape(k))
		sb.WriteByte('=')
		sb.WriteString(escape(stringify(m[k])))
	}
	return sb.String()
}

// EncodeBody serialises a params map as JSON. Nil or non-map params give an
// empty body.
func EncodeBody(params any) ([]byte, error) {
	m := asMap(params)
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	return b, nil
}

func asMap(params any) map[string]any {
	switch p := params.(type) {
	case map[string]any:
		return p
	case map[string]string:
		m := make(map[string]any, len(p))
		for k, v := range p {
			m[k] = v
		}
		return m
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// escape matches encodeURIComponent closely enough for query values: spaces
// are %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
