// Package scenario describes what one iteration does: which endpoints to
// call, in what order, and with which session handling.
package scenario

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Kind selects how a plan's endpoints are executed.
type Kind int

const (
	// Sequential endpoints run one after another in list order.
	Sequential Kind = iota
	// Batched endpoints run concurrently as one batch.
	Batched
)

func (k Kind) String() string {
	switch k {
	case Sequential:
		return "sequential"
	case Batched:
		return "batch"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Endpoint is one request of a plan.
type Endpoint struct {
	Name   string
	Method string
	// Path is appended to the plan's base URL unless it is already an
	// absolute http(s) URL.
	Path string
	// Params is a map for query string or JSON body; anything else is ignored.
	Params any
	// Resource identifies the endpoint in check labels and sample tags.
	// Defaults to Path.
	Resource string
	// Capture stores response headers in the iteration's session, keyed
	// by session name: {"account": "X-Account-Id"}. Sequential plans only.
	Capture map[string]string
	// Resolve, when set, rebuilds the endpoint from the session values
	// right before it is sent. Sequential plans only.
	Resolve func(session map[string]string) (Endpoint, error)
}

// ResourceID returns the identifier used to tag this endpoint's samples.
func (e Endpoint) ResourceID() string {
	if e.Resource != "" {
		return e.Resource
	}
	return e.Path
}

// CheckLabel is the label of the status check recorded for the endpoint.
func (e Endpoint) CheckLabel() string {
	return fmt.Sprintf("%s %s %s is 200", e.Name, strings.ToUpper(e.Method), e.ResourceID())
}

// URL resolves the endpoint against base.
func (e Endpoint) URL(base string) string {
	if isAbsolute(e.Path) {
		return e.Path
	}
	return strings.TrimRight(base, "/") + e.Path
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// Plan is what one iteration executes.
type Plan struct {
	Kind    Kind
	BaseURL string
	// Login, when set, runs first and its Set-Cookie response is searched
	// for the session cookie. Only valid for Sequential plans.
	Login     *Endpoint
	Endpoints []Endpoint
	// Header is sent with every request.
	Header http.Header
	// Cookie is the session cookie name; empty means the default.
	Cookie string
	// ThinkTime is a pause after the iteration.
	ThinkTime time.Duration
}

// Validate reports structural problems of a plan.
func (p Plan) Validate() error {
	var errs []error
	if p.Kind != Sequential && p.Kind != Batched {
		errs = append(errs, fmt.Errorf("unknown plan kind %d", int(p.Kind)))
	}
	if p.Kind == Batched && p.Login != nil {
		errs = append(errs, errors.New("batched plans can't have a login step"))
	}
	if len(p.Endpoints) == 0 && p.Login == nil {
		errs = append(errs, errors.New("plan has no endpoints"))
	}
	if p.Kind == Batched {
		for i, e := range p.Endpoints {
			if e.Resolve != nil || len(e.Capture) > 0 {
				errs = append(errs, fmt.Errorf("endpoint %d (%s): batched plans have no session", i, e.Name))
			}
		}
	}
	if p.Login != nil && p.Login.Resolve != nil {
		errs = append(errs, errors.New("login can't read session values"))
	}
	check := func(where string, e Endpoint) {
		switch strings.ToUpper(e.Method) {
		case http.MethodGet, http.MethodPost:
		default:
			errs = append(errs, fmt.Errorf("%s: unsupported method %q", where, e.Method))
		}
		if e.Path == "" {
			errs = append(errs, fmt.Errorf("%s: empty path", where))
		}
	}
	if p.Login != nil {
		check("login", *p.Login)
	}
	for i, e := range p.Endpoints {
		check(fmt.Sprintf("endpoint %d (%s)", i, e.Name), e)
	}
	return errors.Join(errs...)
}

// Scenario produces the plan of each iteration. rng belongs to the calling
// worker; implementations draw all randomness from it.
type Scenario interface {
	Name() string
	Plan(rng *rand.Rand) (Plan, error)
}

// Func adapts a function to the Scenario interface.
type Func struct {
	ID string
	F  func(rng *rand.Rand) (Plan, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Plan(rng *rand.Rand) (Plan, error) { return f.F(rng) }

// Static always returns the same plan.
func Static(name string, p Plan) Scenario {
	return Func{ID: name, F: func(*rand.Rand) (Plan, error) { return p, nil }}
}
