package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Method      string         `json:"method"`
	Query       string         `json:"query"`
	Body        string         `json:"body"`
	ContentType string         `json:"content_type"`
	Cookie      string         `json:"cookie"`
	Decoded     map[string]any `json:"decoded"`
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		e := echo{
			Method:      r.Method,
			Query:       r.URL.RawQuery,
			Body:        string(b),
			ContentType: r.Header.Get("Content-Type"),
			Cookie:      r.Header.Get("Cookie"),
		}
		if len(b) > 0 {
			_ = json.Unmarshal(b, &e.Decoded)
		}
		w.Header().Set("X-Echo", "1")
		_ = json.NewEncoder(w).Encode(e)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doEcho(t *testing.T, e *Executor, r Request) echo {
	t.Helper()
	srv := echoServer(t)
	r.URL = srv.URL + r.URL

	// a second round trip to read what the server saw
	req, err := r.Build(context.Background())
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var got echo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	out := e.Execute(context.Background(), r)
	require.True(t, out.OK, "%v", out.Err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "1", out.Header.Get("X-Echo"))
	assert.Positive(t, out.Bytes)
	return got
}

func TestExecute_GetEncodesQuery(t *testing.T) {
	e := New(Options{Timeout: time.Second})
	got := doEcho(t, e, Request{
		Method: http.MethodGet,
		URL:    "/v1/events",
		Params: map[string]any{"category": "DIRECT CAR", "b": true, "a&b": "x=y"},
	})
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "a%26b=x%3Dy&b=true&category=DIRECT%20CAR", got.Query)
	assert.Empty(t, got.Body)
}

func TestExecute_GetWithoutParams(t *testing.T) {
	e := New(Options{Timeout: time.Second})
	for _, params := range []any{nil, map[string]any{}, "not a map", 42} {
		got := doEcho(t, e, Request{Method: "get", URL: "/a", Params: params})
		assert.Empty(t, got.Query, "params %v", params)
	}
}

func TestExecute_GetAppendsToExistingQuery(t *testing.T) {
	e := New(Options{Timeout: time.Second})
	got := doEcho(t, e, Request{URL: "/a?x=1", Params: map[string]string{"y": "2"}})
	assert.Equal(t, "x=1&y=2", got.Query)
}

func TestExecute_PostSendsJSON(t *testing.T) {
	e := New(Options{Timeout: time.Second})
	got := doEcho(t, e, Request{
		Method: http.MethodPost,
		URL:    "/auth/login",
		Params: map[string]any{"id": "user", "events": []any{}},
		Header: http.Header{"Cookie": []string{"JSESSIONID=abc"}},
	})
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "JSESSIONID=abc", got.Cookie)
	assert.Equal(t, map[string]any{"id": "user", "events": []any{}}, got.Decoded)
}

func TestExecute_PostWithoutParamsHasEmptyBody(t *testing.T) {
	e := New(Options{Timeout: time.Second})
	got := doEcho(t, e, Request{Method: http.MethodPost, URL: "/x"})
	assert.Empty(t, got.Body)
	assert.Empty(t, got.ContentType)

	got = doEcho(t, e, Request{Method: http.MethodPost, URL: "/x", Params: map[string]any{}})
	assert.Equal(t, "{}", got.Body)
}

func TestExecute_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := New(Options{Timeout: time.Second})
	out := e.Execute(context.Background(), Request{URL: url})
	assert.False(t, out.OK)
	assert.Equal(t, StatusFailed, out.Status)
	require.Error(t, out.Err)
	assert.Equal(t, "connection refused", ErrorKind(out.Err))
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := New(Options{Timeout: 50 * time.Millisecond})
	out := e.Execute(context.Background(), Request{URL: srv.URL})
	assert.False(t, out.OK)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "client timeout", ErrorKind(out.Err))
	assert.GreaterOrEqual(t, out.Timings.Duration, 50*time.Millisecond)
}

func TestExecute_NonOKStatusIsNotATransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	out := New(Options{Timeout: time.Second}).Execute(context.Background(), Request{URL: srv.URL})
	assert.True(t, out.OK)
	assert.NoError(t, out.Err)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
}

func TestExecute_Timings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("a"))
		w.(http.Flusher).Flush()
		time.Sleep(30 * time.Millisecond)
		_, _ = w.Write([]byte("b"))
	}))
	defer srv.Close()

	out := New(Options{Timeout: time.Second}).Execute(context.Background(), Request{URL: srv.URL})
	require.True(t, out.OK, "%v", out.Err)
	tm := out.Timings
	assert.GreaterOrEqual(t, tm.Waiting, 45*time.Millisecond)
	assert.GreaterOrEqual(t, tm.Receiving, 25*time.Millisecond)
	assert.GreaterOrEqual(t, tm.Duration, tm.Waiting+tm.Receiving)
	assert.EqualValues(t, 2, out.Bytes)
}

func TestExecuteBatch_PreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i, _ := strconv.Atoi(r.URL.Query().Get("i"))
		// later requests answer first
		time.Sleep(time.Duration(5-i) * 15 * time.Millisecond)
		w.Header().Set("X-Index", strconv.Itoa(i))
		w.WriteHeader(200 + i)
	}))
	defer srv.Close()

	var reqs []Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, Request{URL: srv.URL, Params: map[string]any{"i": i}})
	}
	outs := New(Options{Timeout: time.Second}).ExecuteBatch(context.Background(), reqs)
	require.Len(t, outs, 5)
	for i, out := range outs {
		assert.Equal(t, 200+i, out.Status)
		assert.Equal(t, strconv.Itoa(i), out.Header.Get("X-Index"))
	}
}

func TestExecuteBatch_FailureDoesNotAbortOthers(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	outs := New(Options{Timeout: time.Second}).ExecuteBatch(context.Background(), []Request{
		{URL: ok.URL},
		{URL: deadURL},
		{URL: ok.URL},
	})
	require.Len(t, outs, 3)
	assert.True(t, outs[0].OK)
	assert.False(t, outs[1].OK)
	assert.Equal(t, StatusFailed, outs[1].Status)
	assert.True(t, outs[2].OK)
}

func TestExecuteBatch_Limit(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
	}))
	defer srv.Close()

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{URL: fmt.Sprintf("%s/%d", srv.URL, i)}
	}
	outs := New(Options{Timeout: time.Second, BatchLimit: 2}).ExecuteBatch(context.Background(), reqs)
	for _, o := range outs {
		assert.True(t, o.OK)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecute_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := New(Options{Timeout: time.Second, MaxRPS: 0.5})
	require.True(t, e.Execute(context.Background(), Request{URL: srv.URL}).OK)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := e.Execute(ctx, Request{URL: srv.URL})
	assert.False(t, out.OK)
	assert.Error(t, out.Err)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "canceled", ErrorKind(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Equal(t, "client timeout", ErrorKind(context.DeadlineExceeded))
	assert.Equal(t, "request failed", ErrorKind(io.ErrUnexpectedEOF))
}
