package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"vuramp/internal/engine"
	"vuramp/internal/stats"
)

// Summary is the content of <prefix>_summary.json.
type Summary struct {
	ID                  string         `json:"id,omitempty"`
	Scenario            string         `json:"scenario"`
	BaseURL             string         `json:"base_url,omitempty"`
	Plan                string         `json:"plan"`
	StartedAt           time.Time      `json:"started_at"`
	ElapsedSec          float64        `json:"elapsed_sec"`
	PeakVUs             int            `json:"peak_vus"`
	Interrupted         bool           `json:"interrupted"`
	GraceAbort          bool           `json:"grace_abort"`
	CheckFailureRate    float64        `json:"check_failure_rate"`
	MaxCheckFailureRate float64        `json:"max_check_failure_rate"`
	Passed              bool           `json:"passed"`
	Stats               stats.Snapshot `json:"stats"`
}

// TimelinePoint is one entry of <prefix>_timeline.json.
type TimelinePoint struct {
	ElapsedSec float64   `json:"elapsed_sec"`
	Timestamp  time.Time `json:"timestamp"`
	VUs        int       `json:"vus"`
	Target     int       `json:"target"`
	Requests   int64     `json:"requests"`
	Failed     int64     `json:"failed"`
	Iterations int64     `json:"iterations"`
	AvgMs      float64   `json:"avg_ms"`
	P95Ms      float64   `json:"p95_ms"`
}

// ExportAll writes the summary, resource, check and timeline files next to
// prefix and returns their paths.
func ExportAll(prefix string, res *engine.Result, meta Meta) ([]string, error) {
	if dir := filepath.Dir(prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating report directory: %w", err)
		}
	}

	steps := []struct {
		suffix string
		write  func(string) error
	}{
		{"_summary.json", func(p string) error { return ExportSummary(res, meta, p) }},
		{"_resources.csv", func(p string) error { return ExportResources(res.Snapshot, p) }},
		{"_checks.csv", func(p string) error { return ExportChecks(res.Snapshot, p) }},
		{"_timeline.json", func(p string) error { return ExportTimeline(res.Timeline, p) }},
	}

	paths := make([]string, 0, len(steps))
	for _, s := range steps {
		path := prefix + s.suffix
		if err := s.write(path); err != nil {
			return paths, fmt.Errorf("writing %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ExportSummary writes the run summary with the full snapshot as JSON.
func ExportSummary(res *engine.Result, meta Meta, filename string) error {
	s := Summary{
		ID:                  meta.ID,
		Scenario:            meta.Scenario,
		BaseURL:             meta.BaseURL,
		Plan:                meta.Plan,
		StartedAt:           res.StartedAt,
		ElapsedSec:          res.Elapsed.Seconds(),
		PeakVUs:             res.PeakVUs,
		Interrupted:         res.Interrupted,
		GraceAbort:          res.GraceAbort,
		CheckFailureRate:    res.Snapshot.CheckFailureRate(),
		MaxCheckFailureRate: meta.MaxCheckFailureRate,
		Passed:              res.Passed,
		Stats:               res.Snapshot,
	}
	return writeJSON(s, filename)
}

// ExportResources writes the per-resource latency table as CSV.
func ExportResources(snap stats.Snapshot, filename string) error {
	header := []string{
		"resource", "count", "avg_ms", "min_ms", "p50_ms", "p90_ms", "p95_ms",
		"p99_ms", "max_ms", "waiting_p95_ms", "receiving_p95_ms",
	}
	var records [][]string
	for _, r := range Resources(snap) {
		records = append(records, []string{
			r.Resource,
			strconv.FormatInt(r.Count, 10),
			float(r.AvgMs), float(r.MinMs), float(r.MedMs), float(r.P90Ms),
			float(r.P95Ms), float(r.P99Ms), float(r.MaxMs),
			float(r.WaitingP95Ms), float(r.ReceivingP95Ms),
		})
	}
	return writeCSV(filename, header, records)
}

// ExportChecks writes the per-check outcome table as CSV.
func ExportChecks(snap stats.Snapshot, filename string) error {
	header := []string{"check", "passes", "fails", "pass_rate"}
	var records [][]string
	for _, r := range Checks(snap) {
		records = append(records, []string{
			r.Label,
			strconv.FormatInt(r.Passes, 10),
			strconv.FormatInt(r.Fails, 10),
			strconv.FormatFloat(r.PassRate, 'f', 4, 64),
		})
	}
	return writeCSV(filename, header, records)
}

// ExportTimeline writes the per-second VU and request series as JSON.
func ExportTimeline(buckets []engine.TimeBucket, filename string) error {
	points := make([]TimelinePoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, TimelinePoint{
			ElapsedSec: b.Elapsed.Seconds(),
			Timestamp:  b.Timestamp,
			VUs:        b.VUs,
			Target:     b.Target,
			Requests:   b.Requests,
			Failed:     b.Failed,
			Iterations: b.Iterations,
			AvgMs:      b.AvgMs,
			P95Ms:      b.P95Ms,
		})
	}
	return writeJSON(points, filename)
}

func writeCSV(filename string, header []string, records [][]string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	return f.Close()
}

func writeJSON(v any, filename string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func float(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
