// Package runner executes a single iteration plan against an executor and
// records the outcome of every request.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"vuramp/internal/executor"
	"vuramp/internal/scenario"
	"vuramp/internal/session"
	"vuramp/internal/stats"
)

// Executor performs HTTP requests.
type Executor interface {
	Execute(ctx context.Context, r executor.Request) executor.Outcome
	ExecuteBatch(ctx context.Context, reqs []executor.Request) []executor.Outcome
}

// Options tunes a Runner.
type Options struct {
	// Retries is how many times a request is repeated after a transport
	// failure. Non-200 responses are never retried.
	Retries int
	Logger  logrus.FieldLogger
}

// Runner is shared by all workers; it keeps no per-iteration state.
type Runner struct {
	exec    Executor
	retries int
	logger  logrus.FieldLogger
}

// New returns a runner using exec.
func New(exec Executor, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Runner{exec: exec, retries: opts.Retries, logger: logger}
}

// RunIteration executes plan with a fresh session and records checks,
// samples and counters into c. It returns an error when the plan is invalid
// or ctx ends before all endpoints ran.
func (r *Runner) RunIteration(ctx context.Context, plan scenario.Plan, c *stats.Collector) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if plan.Kind == scenario.Batched {
		return r.runBatch(ctx, plan, c)
	}
	return r.runSequential(ctx, plan, c)
}

func (r *Runner) runSequential(ctx context.Context, plan scenario.Plan, c *stats.Collector) error {
	sess := session.New(plan.Cookie)

	if plan.Login != nil {
		out, err := r.do(ctx, plan, sess, *plan.Login, c)
		if err != nil {
			return err
		}
		if cancelled(ctx, out) {
			return ctx.Err()
		}
		extracted := out.OK && sess.Extract(out.Header)
		c.RecordCheck(sess.ExtractLabel(), extracted)
		if !extracted {
			r.logger.WithField("cookie", sess.CookieName()).Debug("Session cookie missing from login response")
		}
	}

	for _, e := range plan.Endpoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.do(ctx, plan, sess, e, c); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (r *Runner) runBatch(ctx context.Context, plan scenario.Plan, c *stats.Collector) error {
	reqs := make([]executor.Request, len(plan.Endpoints))
	for i, e := range plan.Endpoints {
		reqs[i] = request(plan, nil, e)
	}
	outs := r.exec.ExecuteBatch(ctx, reqs)
	for i, out := range outs {
		if cancelled(ctx, out) {
			continue
		}
		r.record(c, plan.Endpoints[i], out)
	}
	return ctx.Err()
}

// do runs one sequential request, retrying transport failures. Endpoints
// that read the session are resolved first; a resolve error aborts the
// iteration.
func (r *Runner) do(ctx context.Context, plan scenario.Plan, sess *session.Context, e scenario.Endpoint, c *stats.Collector) (executor.Outcome, error) {
	if e.Resolve != nil {
		resolved, err := e.Resolve(sess.Values())
		if err != nil {
			return executor.Outcome{}, fmt.Errorf("resolving %s: %w", e.Name, err)
		}
		e = resolved
	}
	req := request(plan, sess, e)
	var out executor.Outcome
	for attempt := 0; ; attempt++ {
		out = r.exec.Execute(ctx, req)
		if out.OK || attempt >= r.retries || ctx.Err() != nil {
			break
		}
		c.RecordError(executor.ErrorKind(out.Err) + " (retried)")
		r.logger.WithFields(logrus.Fields{
			"endpoint": e.Name,
			"attempt":  attempt + 1,
		}).WithError(out.Err).Debug("Retrying request")
	}
	if cancelled(ctx, out) {
		return out, nil
	}
	r.record(c, e, out)
	if out.OK {
		for key, header := range e.Capture {
			if v := out.Header.Get(header); v != "" {
				sess.Set(key, v)
			}
		}
	}
	return out, nil
}

// cancelled reports whether out failed only because the engine aborted the
// iteration. Such requests are not counted; the iteration is aborted instead.
func cancelled(ctx context.Context, out executor.Outcome) bool {
	return !out.OK && ctx.Err() != nil
}

func (r *Runner) record(c *stats.Collector, e scenario.Endpoint, out executor.Outcome) {
	c.AddRequest(out.OK, out.Bytes)
	if !out.OK {
		c.RecordError(executor.ErrorKind(out.Err))
		r.logger.WithFields(logrus.Fields{
			"endpoint": e.Name,
			"resource": e.ResourceID(),
		}).WithError(out.Err).Debug("Request failed")
	}

	passed := out.OK && out.Status == http.StatusOK
	c.RecordCheck(e.CheckLabel(), passed)
	if !passed {
		return
	}

	tags := stats.Tags{"resource": e.ResourceID()}
	c.RecordSample(stats.MetricWaiting, ms(out.Timings.Waiting), tags)
	c.RecordSample(stats.MetricReceiving, ms(out.Timings.Receiving), tags)
	c.RecordSample(stats.MetricDuration, ms(out.Timings.Duration), tags)
}

func request(plan scenario.Plan, sess *session.Context, e scenario.Endpoint) executor.Request {
	h := plan.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if sess != nil {
		sess.Apply(h)
	}
	return executor.Request{
		Method: e.Method,
		URL:    e.URL(plan.BaseURL),
		Params: e.Params,
		Header: h,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
