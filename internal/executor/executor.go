// Package executor performs HTTP requests and measures their timing phases.
package executor

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// StatusFailed is the status of an outcome whose request never got a
// complete response.
const StatusFailed = 0

const userAgent = "vuramp/1.0"

// Timings breaks down one request.
type Timings struct {
	// Waiting is the time from the request being written to the first
	// response byte (TTFB).
	Waiting time.Duration
	// Receiving is the time from the first byte to the end of the body.
	Receiving time.Duration
	// Duration covers the whole request including connection setup.
	Duration time.Duration
}

// Outcome is the result of one request. OK is false only for transport
// failures; a non-2xx response is still OK.
type Outcome struct {
	Status  int
	Header  http.Header
	Timings Timings
	Bytes   int64
	OK      bool
	Err     error
}

// Options tunes an Executor.
type Options struct {
	Timeout time.Duration
	// MaxRPS caps requests per second across all workers; 0 disables it.
	MaxRPS float64
	// BatchLimit caps concurrent requests within one batch; 0 is unlimited.
	BatchLimit int
	Insecure   bool
	// Transport replaces the tuned default transport.
	Transport http.RoundTripper
}

// Executor is shared by all workers of a run.
type Executor struct {
	client     *http.Client
	limiter    *rate.Limiter
	batchLimit int
}

// New builds an executor with a connection pool sized for load testing.
func New(opts Options) *Executor {
	rt := opts.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConns = 2000
		t.MaxConnsPerHost = 2000
		t.MaxIdleConnsPerHost = 2000
		if opts.Insecure {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		rt = t
	}

	e := &Executor{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: rt,
		},
		batchLimit: opts.BatchLimit,
	}
	if opts.MaxRPS > 0 {
		burst := int(opts.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	return e
}

// Execute performs one request. It never retries and never returns an
// error: failures are reported through Outcome.OK and Outcome.Err.
func (e *Executor) Execute(ctx context.Context, r Request) Outcome {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return failed(err, 0)
		}
	}

	start := time.Now()
	// offsets from start, written from transport goroutines
	var wrote, firstByte atomic.Int64
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			wrote.Store(int64(time.Since(start)))
		},
		GotFirstResponseByte: func() {
			firstByte.Store(int64(time.Since(start)))
		},
	}

	req, err := r.Build(httptrace.WithClientTrace(ctx, trace))
	if err != nil {
		return failed(err, time.Since(start))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return failed(err, time.Since(start))
	}
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	done := time.Since(start)
	if err != nil {
		out := failed(err, done)
		out.Bytes = n
		return out
	}

	fb := time.Duration(firstByte.Load())
	if fb == 0 || fb > done {
		fb = done
	}
	w := time.Duration(wrote.Load())
	if w > fb {
		w = 0
	}

	return Outcome{
		Status: resp.StatusCode,
		Header: resp.Header,
		Timings: Timings{
			Waiting:   fb - w,
			Receiving: done - fb,
			Duration:  done,
		},
		Bytes: n,
		OK:    true,
	}
}

// ExecuteBatch performs all requests concurrently and returns their
// outcomes in input order. One failure never aborts the others.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	var g errgroup.Group
	if e.batchLimit > 0 {
		g.SetLimit(e.batchLimit)
	}
	for i, r := range reqs {
		g.Go(func() error {
			out[i] = e.Execute(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CloseIdleConnections releases pooled connections at the end of a run.
func (e *Executor) CloseIdleConnections() {
	e.client.CloseIdleConnections()
}

func failed(err error, elapsed time.Duration) Outcome {
	if err == nil {
		err = errors.New("request failed")
	}
	return Outcome{
		Status:  StatusFailed,
		Timings: Timings{Duration: elapsed},
		Err:     err,
	}
}
