// Package report renders the end-of-run summary and writes the export files.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"vuramp/internal/engine"
	"vuramp/internal/stats"
	"vuramp/internal/styles"
)

// Meta describes the run a result belongs to.
type Meta struct {
	ID                  string
	Scenario            string
	BaseURL             string
	Plan                string
	MaxCheckFailureRate float64
}

// ResourceRow is the latency breakdown of one resource.
type ResourceRow struct {
	Resource       string
	Count          int64
	AvgMs          float64
	MinMs          float64
	MedMs          float64
	P90Ms          float64
	P95Ms          float64
	P99Ms          float64
	MaxMs          float64
	WaitingP95Ms   float64
	ReceivingP95Ms float64
}

// CheckRow is the outcome count of one check label.
type CheckRow struct {
	Label    string
	Passes   int64
	Fails    int64
	PassRate float64
}

// ErrorRow groups failed requests by error kind.
type ErrorRow struct {
	Kind  string
	Count int64
}

// Resources returns one row per resource series of http_req_duration.
func Resources(snap stats.Snapshot) []ResourceRow {
	total, ok := snap.Metrics[stats.MetricDuration]
	if !ok {
		return nil
	}
	waiting := seriesByKey(snap.Metrics[stats.MetricWaiting])
	receiving := seriesByKey(snap.Metrics[stats.MetricReceiving])

	rows := make([]ResourceRow, 0, len(total.Series))
	for _, s := range total.Series {
		name := s.Tags["resource"]
		if name == "" {
			name = s.Key
		}
		rows = append(rows, ResourceRow{
			Resource:       name,
			Count:          s.Count,
			AvgMs:          s.Avg,
			MinMs:          s.Min,
			MedMs:          s.P(50),
			P90Ms:          s.P(90),
			P95Ms:          s.P(95),
			P99Ms:          s.P(99),
			MaxMs:          s.Max,
			WaitingP95Ms:   waiting[s.Key].P(95),
			ReceivingP95Ms: receiving[s.Key].P(95),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Resource < rows[j].Resource })
	return rows
}

func seriesByKey(m stats.MetricStats) map[string]stats.TrendStats {
	out := make(map[string]stats.TrendStats, len(m.Series))
	for _, s := range m.Series {
		out[s.Key] = s.TrendStats
	}
	return out
}

// Checks returns one row per check label, sorted by label.
func Checks(snap stats.Snapshot) []CheckRow {
	rows := make([]CheckRow, 0, len(snap.Checks))
	for _, label := range snap.CheckLabels() {
		c := snap.Checks[label]
		row := CheckRow{Label: label, Passes: c.Passes, Fails: c.Fails}
		if n := c.Passes + c.Fails; n > 0 {
			row.PassRate = float64(c.Passes) / float64(n)
		}
		rows = append(rows, row)
	}
	return rows
}

// Errors returns the error kinds, most frequent first.
func Errors(snap stats.Snapshot) []ErrorRow {
	rows := make([]ErrorRow, 0, len(snap.Errors))
	for kind, n := range snap.Errors {
		rows = append(rows, ErrorRow{Kind: kind, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Kind < rows[j].Kind
	})
	return rows
}

// Render builds the console summary of a finished run.
func Render(res *engine.Result, meta Meta) string {
	snap := res.Snapshot
	c := snap.Counters

	var b strings.Builder
	b.WriteString(styles.Title.Render("RESULTS") + "\n")

	rps := 0.0
	if secs := res.Elapsed.Seconds(); secs > 0 {
		rps = float64(c.Requests) / secs
	}
	b.WriteString(kv("Scenario", meta.Scenario))
	if meta.ID != "" {
		b.WriteString(kv("Run ID", meta.ID))
	}
	b.WriteString(kv("Duration", res.Elapsed.Round(time.Millisecond).String()))
	b.WriteString(kv("Peak VUs", fmt.Sprintf("%d", res.PeakVUs)))
	b.WriteString(kv("Iterations", fmt.Sprintf("%d (%d aborted)", c.Iterations, c.IterationsAborted)))
	b.WriteString(kv("Requests", fmt.Sprintf("%d (%.1f/s)", c.Requests, rps)))
	b.WriteString(kv("Data received", formatBytes(c.BytesReceived)))

	if len(res.Timeline) > 0 {
		spark := VUSparkline(res.Timeline, 60, styles.Active)
		b.WriteString(kv("VUs", spark.View()))
		lat := LatencySparkline(res.Timeline, 60, styles.Active)
		if lat.Max > 0 {
			b.WriteString(kv("p95 latency", fmt.Sprintf("%s  max %.1fms", lat.View(), lat.Max)))
		}
	}

	b.WriteString(styles.Title.Render("METRICS") + "\n")
	b.WriteString(metricsTable(snap) + "\n")

	if rows := Resources(snap); len(rows) > 0 {
		b.WriteString(styles.Title.Render("RESOURCES") + "\n")
		b.WriteString(resourcesTable(rows) + "\n")
	}

	if rows := Checks(snap); len(rows) > 0 {
		b.WriteString(styles.Title.Render("CHECKS") + "\n")
		b.WriteString(checksTable(rows) + "\n")
	}

	b.WriteString(styles.Title.Render("FAILURES") + "\n")
	b.WriteString(kv("Requests failed", countStyle(c.RequestsFailed)))
	b.WriteString(kv("Checks failed", countStyle(c.ChecksFailed)))
	b.WriteString(kv("Iterations aborted", countStyle(c.IterationsAborted)))
	for _, e := range Errors(snap) {
		b.WriteString(styles.Error.Render(fmt.Sprintf("   %d x %s", e.Count, e.Kind)) + "\n")
	}

	b.WriteString("\n" + verdict(res, meta) + "\n")
	return b.String()
}

func verdict(res *engine.Result, meta Meta) string {
	rate := res.Snapshot.CheckFailureRate()
	detail := fmt.Sprintf("checks failed %.2f%% (threshold %.2f%%)", rate*100, meta.MaxCheckFailureRate*100)
	if res.Interrupted {
		detail += ", interrupted"
	}
	if res.GraceAbort {
		detail += ", in-flight iterations aborted after the grace period"
	}
	if res.Passed {
		return styles.Pass.Render("PASSED") + " " + styles.Subtle.Render(detail)
	}
	return styles.Fail.Render("FAILED") + " " + styles.Error.Render(detail)
}

func metricsTable(snap stats.Snapshot) string {
	headers := []string{"metric", "count", "avg", "min"}
	for _, p := range snap.Percentiles {
		headers = append(headers, fmt.Sprintf("p(%g)", p))
	}
	headers = append(headers, "max")

	var rows [][]string
	for _, name := range snap.MetricNames() {
		m := snap.Metrics[name]
		row := []string{name, fmt.Sprintf("%d", m.Count), ms(m.Avg), ms(m.Min)}
		for _, p := range snap.Percentiles {
			row = append(row, ms(m.P(p)))
		}
		rows = append(rows, append(row, ms(m.Max)))
	}
	return newTable(headers, rows)
}

func resourcesTable(rows []ResourceRow) string {
	headers := []string{"resource", "count", "avg", "med", "p(95)", "max", "ttfb p(95)", "recv p(95)"}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Resource, fmt.Sprintf("%d", r.Count),
			ms(r.AvgMs), ms(r.MedMs), ms(r.P95Ms), ms(r.MaxMs),
			ms(r.WaitingP95Ms), ms(r.ReceivingP95Ms),
		})
	}
	return newTable(headers, out)
}

func checksTable(rows []CheckRow) string {
	headers := []string{"check", "passes", "fails", "rate"}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Label,
			fmt.Sprintf("%d", r.Passes),
			fmt.Sprintf("%d", r.Fails),
			fmt.Sprintf("%.2f%%", r.PassRate*100),
		})
	}
	return newTable(headers, out)
}

func newTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.TableBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return styles.HeaderCell
			case col == 0:
				return styles.Cell
			default:
				return styles.NumberCell
			}
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func kv(label, value string) string {
	return styles.Label.Render(label) + " " + value + "\n"
}

func countStyle(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return styles.Error.Render(s)
	}
	return styles.Value.Render(s)
}

// ms formats a millisecond value the way the summary tables show it.
func ms(v float64) string {
	switch {
	case v >= 1000:
		return fmt.Sprintf("%.2fs", v/1000)
	case v >= 1:
		return fmt.Sprintf("%.2fms", v)
	default:
		return fmt.Sprintf("%.0fµs", v*1000)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
