package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vuramp/internal/stats"
)

const (
	workerRunning int32 = iota
	workerRetiring
	workerExited
)

// failureBackoff is the pause after an iteration that failed before or
// outside its requests, so a broken scenario can't spin a VU.
const failureBackoff = 100 * time.Millisecond

// worker is one virtual user. Only the control loop retires or reinstates
// it; the worker itself only moves from retiring to exited.
type worker struct {
	id    int
	state atomic.Int32
	wake  chan struct{}
	rng   *rand.Rand
	// warned is set once the worker logged a failure at warn level.
	// Owned by the worker goroutine.
	warned bool
}

func newWorker(id int, seed uint64) *worker {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &worker{
		id:   id,
		wake: make(chan struct{}, 1),
		rng:  rand.New(rand.NewPCG(seed, uint64(id))),
	}
}

// retire asks the worker to stop after its current iteration.
func (w *worker) retire() {
	w.state.CompareAndSwap(workerRunning, workerRetiring)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// reinstate cancels a pending retirement. It fails once the worker exited.
func (w *worker) reinstate() bool {
	return w.state.CompareAndSwap(workerRetiring, workerRunning)
}

func (w *worker) exited() bool {
	return w.state.Load() == workerExited
}

// leaving is checked between iterations.
func (w *worker) leaving() bool {
	return w.state.CompareAndSwap(workerRetiring, workerExited)
}

func (e *Engine) runWorker(ctx context.Context, halt <-chan struct{}, w *worker, wg *sync.WaitGroup) {
	defer wg.Done()
	e.active.Add(1)
	defer e.active.Add(-1)
	defer w.state.Store(workerExited)

	log := e.logger.WithField("vu", w.id)
	for iter := 0; ; iter++ {
		select {
		case <-halt:
			return
		case <-ctx.Done():
			return
		default:
		}
		if w.leaving() {
			return
		}

		think := e.iterate(ctx, log, iter, w)
		if think <= 0 {
			continue
		}
		t := time.NewTimer(think)
		select {
		case <-t.C:
		case <-w.wake:
			t.Stop()
		case <-halt:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// iterate runs one iteration and returns the think time that follows it.
// Panics and errors from the scenario count as aborted iterations and are
// followed by failureBackoff.
func (e *Engine) iterate(ctx context.Context, log logrus.FieldLogger, iter int, w *worker) (think time.Duration) {
	start := time.Now()
	aborted := false
	defer func() {
		if r := recover(); r != nil {
			aborted = true
			think = failureBackoff
			w.failure(log.WithFields(logrus.Fields{
				"iter":  iter,
				"panic": fmt.Sprint(r),
			}), "Iteration panicked")
			log.Debug(string(debug.Stack()))
		}
		e.collector.AddIteration(aborted)
		e.collector.RecordSample(stats.MetricIterationDuration, msSince(start), nil)
	}()

	plan, err := e.scenario.Plan(w.rng)
	if err != nil {
		aborted = true
		w.failure(log.WithField("iter", iter).WithError(err), "Scenario failed to build a plan")
		return failureBackoff
	}
	if err := e.runner.RunIteration(ctx, plan, e.collector); err != nil {
		aborted = true
		if ctx.Err() != nil {
			log.WithField("iter", iter).Debug("Iteration aborted after grace period")
			return 0
		}
		w.failure(log.WithField("iter", iter).WithError(err), "Iteration failed")
		return failureBackoff
	}
	return plan.ThinkTime
}

// failure logs the worker's first failure at warn level and the rest at
// debug level.
func (w *worker) failure(log logrus.FieldLogger, msg string) {
	if w.warned {
		log.Debug(msg)
		return
	}
	w.warned = true
	log.Warn(msg + " (further failures of this VU are logged at debug level)")
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
