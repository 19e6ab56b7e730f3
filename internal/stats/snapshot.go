package stats

import "sort"

// Counters are the request/iteration totals of a run.
type Counters struct {
	Requests          int64 `json:"requests"`
	RequestsFailed    int64 `json:"requests_failed"`
	Iterations        int64 `json:"iterations"`
	IterationsAborted int64 `json:"iterations_aborted"`
	BytesReceived     int64 `json:"bytes_received"`
	ChecksPassed      int64 `json:"checks_passed"`
	ChecksFailed      int64 `json:"checks_failed"`
}

// CheckStats counts the outcomes of one check label.
type CheckStats struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// SeriesStats is the breakdown of a metric for one tag set.
type SeriesStats struct {
	Key  string `json:"key"`
	Tags Tags   `json:"tags,omitempty"`
	TrendStats
}

// MetricStats is the aggregate of one metric plus its tagged series.
type MetricStats struct {
	Name string `json:"name"`
	TrendStats
	Series []SeriesStats `json:"series,omitempty"`
}

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Percentiles []float64              `json:"percentiles"`
	Metrics     map[string]MetricStats `json:"metrics"`
	Checks      map[string]CheckStats  `json:"checks"`
	Errors      map[string]int64       `json:"errors"`
	Counters    Counters               `json:"counters"`
}

// CheckFailureRate is the fraction (0..1) of failed check evaluations.
func (s Snapshot) CheckFailureRate() float64 {
	total := s.Counters.ChecksPassed + s.Counters.ChecksFailed
	if total == 0 {
		return 0
	}
	return float64(s.Counters.ChecksFailed) / float64(total)
}

// CheckLabels returns the check labels in sorted order.
func (s Snapshot) CheckLabels() []string {
	labels := make([]string, 0, len(s.Checks))
	for l := range s.Checks {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// MetricNames returns the metric names in sorted order.
func (s Snapshot) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for n := range s.Metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
