package engine

import (
	"time"

	"vuramp/internal/stats"
)

// Progress is sent on Options.Updates once per tick.
type Progress struct {
	Elapsed  time.Duration
	Total    time.Duration
	State    State
	Target   int
	Active   int
	Counters stats.Counters
	Duration stats.TrendStats
}

// Percent is the share of the planned duration that has elapsed, in [0,1].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 1
	}
	v := float64(p.Elapsed) / float64(p.Total)
	if v > 1 {
		return 1
	}
	return v
}

// TimeBucket summarises one second of the run. Counts are deltas.
type TimeBucket struct {
	Elapsed    time.Duration `json:"elapsed"`
	Timestamp  time.Time     `json:"timestamp"`
	VUs        int           `json:"vus"`
	Target     int           `json:"target"`
	Requests   int64         `json:"requests"`
	Failed     int64         `json:"failed"`
	Iterations int64         `json:"iterations"`
	// AvgMs and P95Ms cover the http_req_duration samples of the bucket.
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// Result is what a terminated run reports.
type Result struct {
	StartedAt time.Time
	Elapsed   time.Duration
	Snapshot  stats.Snapshot
	Timeline  []TimeBucket
	PeakVUs   int
	// Interrupted is set when Stop or ctx ended the run early.
	Interrupted bool
	// GraceAbort is set when in-flight iterations had to be cancelled.
	GraceAbort bool
	Passed     bool
}

type timeline struct {
	start   time.Time
	c       *stats.Collector
	last    stats.Counters
	next    time.Duration
	buckets []TimeBucket
	// max over the open bucket
	vus    int
	target int
	// as of the latest tick
	lastVUs    int
	lastTarget int
}

func newTimeline(start time.Time, c *stats.Collector) *timeline {
	return &timeline{start: start, c: c, next: time.Second}
}

// tick closes a bucket for every full second passed since the last one.
func (t *timeline) tick(elapsed time.Duration, vus, target int) {
	t.lastVUs, t.lastTarget = vus, target
	if vus > t.vus {
		t.vus = vus
	}
	if target > t.target {
		t.target = target
	}
	for elapsed >= t.next {
		t.close(t.next)
		t.next += time.Second
	}
}

// flush closes the final, possibly partial, bucket.
func (t *timeline) flush(elapsed time.Duration) {
	if elapsed > t.next-time.Second {
		t.close(elapsed)
	}
}

func (t *timeline) close(at time.Duration) {
	cur := t.c.Counters()
	lat := t.c.TakeWindow(95)
	t.buckets = append(t.buckets, TimeBucket{
		Elapsed:    at,
		Timestamp:  t.start.Add(at),
		VUs:        t.vus,
		Target:     t.target,
		Requests:   cur.Requests - t.last.Requests,
		Failed:     cur.RequestsFailed - t.last.RequestsFailed,
		Iterations: cur.Iterations - t.last.Iterations,
		AvgMs:      lat.Avg,
		P95Ms:      lat.P(95),
	})
	t.last = cur
	// a bucket without ticks of its own still had the last observed VUs
	t.vus, t.target = t.lastVUs, t.lastTarget
}
