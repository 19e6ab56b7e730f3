package storage

import (
	"time"

	"vuramp/internal/engine"
	"vuramp/internal/stats"
)

// HistoryItem is one stored run.
type HistoryItem struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Scenario  string     `json:"scenario"`
	BaseURL   string     `json:"base_url,omitempty"`
	Plan      string     `json:"plan"`
	Summary   RunSummary `json:"summary"`
}

// RunSummary keeps the headline numbers of a run.
type RunSummary struct {
	DurationSec       float64 `json:"duration_sec"`
	PeakVUs           int     `json:"peak_vus"`
	Requests          int64   `json:"requests"`
	RequestsFailed    int64   `json:"requests_failed"`
	Iterations        int64   `json:"iterations"`
	IterationsAborted int64   `json:"iterations_aborted"`
	ChecksPassed      int64   `json:"checks_passed"`
	ChecksFailed      int64   `json:"checks_failed"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P95LatencyMs      float64 `json:"p95_latency_ms"`
	P99LatencyMs      float64 `json:"p99_latency_ms"`
	Interrupted       bool    `json:"interrupted"`
	Passed            bool    `json:"passed"`
}

// Summarize extracts the stored summary from a run result.
func Summarize(res *engine.Result) RunSummary {
	c := res.Snapshot.Counters
	s := RunSummary{
		DurationSec:       res.Elapsed.Seconds(),
		PeakVUs:           res.PeakVUs,
		Requests:          c.Requests,
		RequestsFailed:    c.RequestsFailed,
		Iterations:        c.Iterations,
		IterationsAborted: c.IterationsAborted,
		ChecksPassed:      c.ChecksPassed,
		ChecksFailed:      c.ChecksFailed,
		Interrupted:       res.Interrupted,
		Passed:            res.Passed,
	}
	if m, ok := res.Snapshot.Metrics[stats.MetricDuration]; ok {
		s.AvgLatencyMs = m.Avg
		s.P95LatencyMs = m.P(95)
		s.P99LatencyMs = m.P(99)
	}
	return s
}
