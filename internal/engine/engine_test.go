package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vuramp/internal/executor"
	"vuramp/internal/runner"
	"vuramp/internal/scenario"
	"vuramp/internal/schedule"
	"vuramp/internal/stats"
)

type fakeRunner struct {
	delay    time.Duration
	pass     func(n int64) bool
	calls    atomic.Int64
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) RunIteration(ctx context.Context, plan scenario.Plan, c *stats.Collector) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	call := f.calls.Add(1)
	passed := true
	if f.pass != nil {
		passed = f.pass(call)
	}
	c.AddRequest(true, 0)
	c.RecordCheck("ok", passed)

	t := time.NewTimer(f.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var testPlan = scenario.Plan{Endpoints: []scenario.Endpoint{{Name: "a", Method: "GET", Path: "/a"}}}

func flat(t *testing.T, vus int, d time.Duration) schedule.Plan {
	t.Helper()
	p, err := schedule.NewFlat(vus, d)
	require.NoError(t, err)
	return p
}

func TestEngine_EndToEndFlat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sc := scenario.Static("e2e", scenario.Plan{
		BaseURL:   srv.URL,
		Endpoints: []scenario.Endpoint{{Name: "a", Method: "GET", Path: "/a"}},
	})
	r := runner.New(executor.New(executor.Options{Timeout: time.Second}), runner.Options{})
	e := New(flat(t, 5, 2*time.Second), sc, r, stats.NewCollector(), Options{GracePeriod: time.Second})
	assert.Equal(t, Idle, e.State())

	var reached atomic.Int64
	stopWatch := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopWatch:
				return
			case <-time.After(5 * time.Millisecond):
				if e.ActiveVUs() == 5 && reached.Load() == 0 {
					reached.Store(int64(time.Since(start)))
				}
				assert.LessOrEqual(t, e.ActiveVUs(), 5)
			}
		}
	}()

	res, err := e.Run(context.Background())
	close(stopWatch)
	wg.Wait()
	require.NoError(t, err)

	assert.Equal(t, Terminated, e.State())
	assert.Zero(t, e.ActiveVUs())
	assert.Positive(t, reached.Load())
	assert.Less(t, time.Duration(reached.Load()), 500*time.Millisecond)
	assert.GreaterOrEqual(t, res.Elapsed, 2*time.Second)
	assert.Less(t, res.Elapsed, 3*time.Second)
	assert.False(t, res.Interrupted)
	assert.True(t, res.Passed)
	assert.Equal(t, 5, res.PeakVUs)

	c := res.Snapshot.Counters
	assert.Positive(t, c.Iterations)
	assert.Equal(t, c.Requests, c.ChecksPassed+c.ChecksFailed, "every request has a check")
	assert.Zero(t, c.IterationsAborted)
	assert.EqualValues(t, c.Iterations, res.Snapshot.Metrics[stats.MetricIterationDuration].Count)
	assert.NotEmpty(t, res.Timeline)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	fr := &fakeRunner{delay: 10 * time.Millisecond}
	e := New(flat(t, 3, time.Hour), scenario.Static("s", testPlan), fr, nil, Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second})

	done := make(chan *Result)
	go func() {
		res, err := e.Run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Stop()
		}()
	}
	wg.Wait()

	select {
	case res := <-done:
		assert.True(t, res.Interrupted)
		assert.False(t, res.GraceAbort)
		assert.Positive(t, res.Snapshot.Counters.Iterations)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	e.Stop()
	assert.Equal(t, Terminated, e.State())
	assert.Zero(t, e.ActiveVUs())
}

func TestEngine_RunTwice(t *testing.T) {
	e := New(flat(t, 0, 0), scenario.Static("s", testPlan), &fakeRunner{}, nil, Options{})
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEngine_ZeroDuration(t *testing.T) {
	fr := &fakeRunner{}
	e := New(flat(t, 10, 0), scenario.Static("s", testPlan), fr, nil, Options{})
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fr.calls.Load())
	assert.Zero(t, res.PeakVUs)
	assert.True(t, res.Passed)
}

func TestEngine_RampNeverExceedsTarget(t *testing.T) {
	plan, err := schedule.NewRamp([]schedule.Stage{
		{Duration: 300 * time.Millisecond, Target: 4},
		{Duration: 200 * time.Millisecond, Target: 4},
		{Duration: 300 * time.Millisecond, Target: 0},
	})
	require.NoError(t, err)

	fr := &fakeRunner{delay: 5 * time.Millisecond}
	e := New(plan, scenario.Static("s", testPlan), fr, nil, Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second})
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.PeakVUs)
	assert.LessOrEqual(t, fr.peak.Load(), int32(4))
	assert.Zero(t, e.ActiveVUs())
}

func TestEngine_PanicsAndPlanErrorsAbortIterations(t *testing.T) {
	var n atomic.Int64
	sc := scenario.Func{ID: "flaky", F: func(rng *rand.Rand) (scenario.Plan, error) {
		switch n.Add(1) % 4 {
		case 1:
			panic("boom")
		case 2:
			return scenario.Plan{}, errors.New("no plan")
		}
		return testPlan, nil
	}}
	fr := &fakeRunner{delay: time.Millisecond}
	e := New(flat(t, 2, 300*time.Millisecond), sc, fr, nil, Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	c := res.Snapshot.Counters
	assert.Positive(t, c.IterationsAborted)
	assert.Greater(t, c.Iterations, c.IterationsAborted)
	assert.EqualValues(t, fr.calls.Load(), c.Iterations-c.IterationsAborted)
}

func TestEngine_GracePeriodAbortsInFlight(t *testing.T) {
	fr := &fakeRunner{delay: time.Hour}
	e := New(flat(t, 3, time.Hour), scenario.Static("s", testPlan), fr, nil, Options{Tick: 10 * time.Millisecond, GracePeriod: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Interrupted)
	assert.True(t, res.GraceAbort)
	assert.EqualValues(t, 3, res.Snapshot.Counters.IterationsAborted)
	assert.Zero(t, e.ActiveVUs())
}

func TestEngine_InFlightIterationFinishesWithinGrace(t *testing.T) {
	fr := &fakeRunner{delay: 150 * time.Millisecond}
	e := New(flat(t, 2, 50*time.Millisecond), scenario.Static("s", testPlan), fr, nil, Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.GraceAbort)
	assert.Zero(t, res.Snapshot.Counters.IterationsAborted)
	assert.EqualValues(t, 2, res.Snapshot.Counters.Iterations, "no new iteration after the run ended")
}

func TestEngine_CheckFailureThreshold(t *testing.T) {
	half := func(n int64) bool { return n%2 == 0 }

	for _, tc := range []struct {
		rate float64
		want bool
	}{
		{0, false},
		{0.4, false},
		{0.6, true},
	} {
		fr := &fakeRunner{delay: time.Millisecond, pass: half}
		e := New(flat(t, 1, 100*time.Millisecond), scenario.Static("s", testPlan), fr, nil,
			Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second, MaxCheckFailureRate: tc.rate})
		res, err := e.Run(context.Background())
		require.NoError(t, err)
		// with one VU the calls alternate, so the rate is about one half
		require.InDelta(t, 0.5, res.Snapshot.CheckFailureRate(), 0.1)
		assert.Equal(t, tc.want, res.Passed, "rate %v", tc.rate)
	}
}

func TestEngine_ProgressUpdatesNeverBlock(t *testing.T) {
	blocked := make(chan Progress)
	buffered := make(chan Progress, 1000)

	for _, ch := range []chan Progress{blocked, buffered} {
		e := New(flat(t, 1, 200*time.Millisecond), scenario.Static("s", testPlan), &fakeRunner{delay: time.Millisecond}, nil,
			Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second, Updates: ch})
		_, err := e.Run(context.Background())
		require.NoError(t, err)
	}

	require.NotEmpty(t, buffered)
	var last Progress
	for len(buffered) > 0 {
		last = <-buffered
	}
	assert.Equal(t, Terminated, last.State)
	assert.Equal(t, 1.0, last.Percent())
	assert.Positive(t, last.Counters.Requests)
}

func TestEngine_GraceAbortDoesNotFailRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(80 * time.Millisecond):
			_, _ = w.Write([]byte("ok"))
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	sc := scenario.Static("slow", scenario.Plan{
		BaseURL:   srv.URL,
		Endpoints: []scenario.Endpoint{{Name: "a", Method: "GET", Path: "/a"}},
	})
	r := runner.New(executor.New(executor.Options{Timeout: 5 * time.Second}), runner.Options{})
	e := New(flat(t, 5, 300*time.Millisecond), sc, r, stats.NewCollector(), Options{Tick: 10 * time.Millisecond})

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	c := res.Snapshot.Counters
	assert.True(t, res.GraceAbort)
	assert.Positive(t, c.IterationsAborted)
	assert.Positive(t, c.ChecksPassed)
	assert.Zero(t, c.ChecksFailed)
	assert.Zero(t, c.RequestsFailed)
	assert.Empty(t, res.Snapshot.Errors)
	assert.True(t, res.Passed)
}

func TestEngine_FailingScenarioBacksOff(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var plans atomic.Int64
	sc := scenario.Func{ID: "broken", F: func(rng *rand.Rand) (scenario.Plan, error) {
		plans.Add(1)
		return scenario.Plan{}, errors.New("no plan")
	}}
	e := New(flat(t, 1, 350*time.Millisecond), sc, &fakeRunner{}, nil,
		Options{Tick: 10 * time.Millisecond, GracePeriod: time.Second, Logger: logger})

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	c := res.Snapshot.Counters
	assert.Equal(t, c.Iterations, c.IterationsAborted)
	assert.GreaterOrEqual(t, plans.Load(), int64(2))
	assert.LessOrEqual(t, plans.Load(), int64(6), "one failed iteration per backoff")

	warns := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["vu"] != nil {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestWorker_RetireAndReinstate(t *testing.T) {
	w := newWorker(1, 42)
	w.retire()
	assert.True(t, w.reinstate())
	assert.False(t, w.leaving())

	w.retire()
	assert.True(t, w.leaving())
	assert.True(t, w.exited())
	assert.False(t, w.reinstate())
}
