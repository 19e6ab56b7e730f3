// Package engine drives virtual users according to a schedule plan.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vuramp/internal/scenario"
	"vuramp/internal/schedule"
	"vuramp/internal/stats"
)

// State of a run.
type State int32

const (
	Idle State = iota
	Ramping
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ramping:
		return "ramping"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

const DefaultTick = 100 * time.Millisecond

var ErrAlreadyStarted = errors.New("engine already started")

// IterationRunner executes one iteration plan.
type IterationRunner interface {
	RunIteration(ctx context.Context, plan scenario.Plan, c *stats.Collector) error
}

// Options tunes an Engine.
type Options struct {
	// Tick is how often the target is sampled. Defaults to DefaultTick.
	Tick time.Duration
	// GracePeriod bounds how long in-flight iterations may run once the
	// run drains. Zero aborts them immediately.
	GracePeriod time.Duration
	// MaxCheckFailureRate is the tolerated share of failed checks.
	MaxCheckFailureRate float64
	// Seed makes worker random sources reproducible when non-zero.
	Seed   uint64
	Logger logrus.FieldLogger
	// Updates receives a Progress every tick. Sends never block.
	Updates chan<- Progress
}

// Engine runs one test. It can't be restarted.
type Engine struct {
	plan      schedule.Plan
	scenario  scenario.Scenario
	runner    IterationRunner
	collector *stats.Collector
	opts      Options
	logger    logrus.FieldLogger

	state    atomic.Int32
	active   atomic.Int64
	target   atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds an engine. Collector c receives everything the run records.
func New(plan schedule.Plan, sc scenario.Scenario, r IterationRunner, c *stats.Collector, opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	if c == nil {
		c = stats.NewCollector()
	}
	return &Engine{
		plan:      plan,
		scenario:  sc,
		runner:    r,
		collector: c,
		opts:      opts,
		logger:    logger.WithField("scenario", sc.Name()),
		stop:      make(chan struct{}),
	}
}

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

// ActiveVUs returns the number of live worker goroutines, including ones
// finishing their last iteration.
func (e *Engine) ActiveVUs() int { return int(e.active.Load()) }

// TargetVUs returns the last target sampled by the control loop.
func (e *Engine) TargetVUs() int { return int(e.target.Load()) }

// Collector returns the collector the run records into.
func (e *Engine) Collector() *stats.Collector { return e.collector }

// Stop starts draining. It is safe to call any number of times from any
// goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run executes the test and blocks until it is terminated. Cancelling ctx
// drains the run like Stop; in-flight iterations still get the grace
// period.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(Ramping)) {
		return nil, ErrAlreadyStarted
	}

	// in-flight requests outlive ctx until the grace period ends
	hardCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	halt := make(chan struct{})
	var wg sync.WaitGroup
	l := &loop{e: e, ctx: hardCtx, halt: halt, wg: &wg}

	start := time.Now()
	tl := newTimeline(start, e.collector)
	e.logger.WithFields(logrus.Fields{
		"plan":     e.plan,
		"duration": e.plan.Duration(),
		"max_vus":  e.plan.MaxTarget(),
	}).Info("Starting run")

	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	interrupted := false
	if e.plan.Duration() > 0 {
		l.adjust(e.plan.TargetAt(0))
	ramp:
		for {
			select {
			case <-ctx.Done():
				interrupted = true
				break ramp
			case <-e.stop:
				interrupted = true
				break ramp
			case <-ticker.C:
				elapsed := time.Since(start)
				if elapsed >= e.plan.Duration() {
					break ramp
				}
				l.adjust(e.plan.TargetAt(elapsed))
				tl.tick(elapsed, e.ActiveVUs(), e.TargetVUs())
				e.sendProgress(elapsed)
			}
		}
	}

	e.state.Store(int32(Draining))
	l.adjust(0)
	close(halt)
	e.logger.WithField("interrupted", interrupted).Debug("Draining")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.opts.GracePeriod)
	defer grace.Stop()
	graceC := grace.C
	aborted := false
drain:
	for {
		select {
		case <-done:
			break drain
		case <-graceC:
			graceC = nil
			aborted = true
			e.logger.WithField("active", e.ActiveVUs()).Warn("Grace period over, aborting in-flight iterations")
			abort()
		case <-ticker.C:
			elapsed := time.Since(start)
			tl.tick(elapsed, e.ActiveVUs(), 0)
			e.sendProgress(elapsed)
		}
	}

	elapsed := time.Since(start)
	tl.flush(elapsed)
	e.state.Store(int32(Terminated))
	e.sendProgress(elapsed)

	snap := e.collector.Snapshot()
	res := &Result{
		StartedAt:   start,
		Elapsed:     elapsed,
		Snapshot:    snap,
		Timeline:    tl.buckets,
		PeakVUs:     l.peak,
		Interrupted: interrupted,
		GraceAbort:  aborted,
		Passed:      snap.CheckFailureRate() <= e.opts.MaxCheckFailureRate,
	}
	e.logger.WithFields(logrus.Fields{
		"iterations": snap.Counters.Iterations,
		"requests":   snap.Counters.Requests,
		"passed":     res.Passed,
	}).Info("Run finished")
	return res, nil
}

func (e *Engine) sendProgress(elapsed time.Duration) {
	if e.opts.Updates == nil {
		return
	}
	p := Progress{
		Elapsed:  elapsed,
		Total:    e.plan.Duration(),
		State:    e.State(),
		Target:   e.TargetVUs(),
		Active:   e.ActiveVUs(),
		Counters: e.collector.Counters(),
	}
	if ts, ok := e.collector.Trend(stats.MetricDuration); ok {
		p.Duration = ts
	}

	select {
	case e.opts.Updates <- p:
	default:
		// drop when the consumer is behind
	}
}

// loop is the control loop's private view of the worker pool. Only the
// goroutine running Engine.Run touches it.
type loop struct {
	e        *Engine
	ctx      context.Context
	halt     <-chan struct{}
	wg       *sync.WaitGroup
	live     []*worker
	retiring []*worker
	nextID   int
	peak     int
}

// adjust moves the number of live workers to target. Workers above target
// finish their current iteration first; a retiring worker is reused before
// a new one is spawned.
func (l *loop) adjust(target int) {
	l.e.target.Store(int64(target))

	for len(l.live) > target {
		w := l.live[len(l.live)-1]
		l.live = l.live[:len(l.live)-1]
		w.retire()
		l.retiring = append(l.retiring, w)
	}

	for len(l.live) < target && len(l.retiring) > 0 {
		w := l.retiring[len(l.retiring)-1]
		l.retiring = l.retiring[:len(l.retiring)-1]
		if w.reinstate() {
			l.live = append(l.live, w)
		}
	}

	for len(l.live) < target {
		l.nextID++
		seed := l.e.opts.Seed
		if seed != 0 {
			seed += uint64(l.nextID)
		}
		w := newWorker(l.nextID, seed)
		l.live = append(l.live, w)
		l.wg.Add(1)
		go l.e.runWorker(l.ctx, l.halt, w, l.wg)
	}

	kept := l.retiring[:0]
	for _, w := range l.retiring {
		if !w.exited() {
			kept = append(kept, w)
		}
	}
	l.retiring = kept

	if len(l.live) > l.peak {
		l.peak = len(l.live)
	}
}
