// Package dummy is a local HTTP target for trying scenarios out: a login
// that issues a session cookie, a small session-protected API, static
// assets and a few endpoints with characteristic latency.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vuramp/internal/session"
)

// AccountHeader carries the account id issued at login.
const AccountHeader = "X-Account-Id"

type ServerConfig struct {
	Port int
	// Host defaults to all interfaces.
	Host string
}

var assets = map[string]struct {
	contentType string
	body        string
}{
	"app.js":    {"application/javascript", "console.log('vuramp dummy');\n"},
	"style.css": {"text/css", "body { font-family: sans-serif; }\n"},
	"logo.svg":  {"image/svg+xml", `<svg xmlns="http://www.w3.org/2000/svg" width="8" height="8"/>`},
}

type account struct {
	user string
	id   string
}

type server struct {
	mu       sync.RWMutex
	sessions map[string]account
}

// NewMux returns the handler of the dummy target.
func NewMux() http.Handler {
	s := &server{sessions: make(map[string]account)}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("GET /v1/me", s.authed(s.me))
	mux.HandleFunc("GET /v1/members/{id}", s.authed(s.member))
	mux.HandleFunc("GET /v1/accounts/{id}", s.authed(s.account))
	mux.HandleFunc("GET /v1/search", s.authed(s.search))
	mux.HandleFunc("POST /v1/events", s.authed(s.events))
	mux.HandleFunc("GET /static/{file}", staticAsset)

	// Fast Endpoint (10-50ms)
	mux.HandleFunc("/fast", delayed(10*time.Millisecond, 40*time.Millisecond, "Fast response"))
	// Medium Endpoint (100-300ms)
	mux.HandleFunc("/medium", delayed(100*time.Millisecond, 200*time.Millisecond, "Medium response"))
	// Slow Endpoint (1s-2s), useful for timeouts and the grace period
	mux.HandleFunc("/slow", delayed(time.Second, time.Second, "Slow response"))

	// Spike Endpoint: usually fast, 5% of the time very slow
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		d := 20 * time.Millisecond
		if rand.Float32() < 0.05 {
			d = 2 * time.Second
		}
		if !sleep(r.Context(), d) {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Spikey response"))
	})

	// Error Endpoint (Random failures)
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		rnd := rand.Float32()
		if rnd < 0.2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
		} else if rnd < 0.4 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 Too Many Requests"))
		} else {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		}
	})

	return mux
}

// Start serves the dummy target until ctx is cancelled.
func Start(ctx context.Context, cfg ServerConfig, logger logrus.FieldLogger) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dummy server: %w", err)
	}

	server := &http.Server{
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", ln.Addr().String()).Info("dummy server running")
	logger.Info("endpoints: POST /auth/login, /v1/me, /v1/members/{id}, /v1/accounts/{id}, /v1/search, POST /v1/events, /static/*, /fast, /medium, /slow, /spike, /error")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&creds)
	if creds.User == "" {
		creds.User = "anonymous"
	}

	token := uuid.NewString()
	acct := account{user: creds.User, id: "acct-" + token[:8]}
	s.mu.Lock()
	s.sessions[token] = acct
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: session.DefaultCookie, Value: token, Path: "/", HttpOnly: true})
	w.Header().Set(AccountHeader, acct.id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": creds.User})
}

// authed rejects requests without a known session cookie.
func (s *server) authed(next func(http.ResponseWriter, *http.Request, account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(session.DefaultCookie)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing session"})
			return
		}
		s.mu.RLock()
		acct, ok := s.sessions[c.Value]
		s.mu.RUnlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown session"})
			return
		}
		next(w, r, acct)
	}
}

func (s *server) me(w http.ResponseWriter, r *http.Request, acct account) {
	writeJSON(w, http.StatusOK, map[string]string{"user": acct.user})
}

func (s *server) member(w http.ResponseWriter, r *http.Request, acct account) {
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id"), "viewer": acct.user})
}

// account only serves the account issued with the caller's session.
func (s *server) account(w http.ResponseWriter, r *http.Request, acct account) {
	if r.PathValue("id") != acct.id {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your account"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": acct.id, "user": acct.user})
}

func (s *server) search(w http.ResponseWriter, r *http.Request, _ account) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]any{"query": q.Get("q"), "params": len(q)})
}

func (s *server) events(w http.ResponseWriter, r *http.Request, _ account) {
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(body)})
}

func staticAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := assets[r.PathValue("file")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", a.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(a.body))
}

func delayed(base, jitter time.Duration, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sleep(r.Context(), base+rand.N(jitter)) {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}

// sleep waits for d and reports false when the client went away first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
