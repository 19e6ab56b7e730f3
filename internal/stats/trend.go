package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Tags label a sample, e.g. {"resource": "/v1/events"}.
type Tags map[string]string

// UnlabeledSeries collects samples whose tag set could not be keyed.
const UnlabeledSeries = "unlabeled"

// Percentile is one quantile of a trend.
type Percentile struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// TrendStats summarises every sample of a metric (or of one tagged series).
type TrendStats struct {
	Count       int64        `json:"count"`
	Sum         float64      `json:"sum"`
	Min         float64      `json:"min"`
	Max         float64      `json:"max"`
	Avg         float64      `json:"avg"`
	Percentiles []Percentile `json:"percentiles"`
}

// P returns the value at quantile q (0-100) or 0 when q was not computed.
func (t TrendStats) P(q float64) float64 {
	for _, p := range t.Percentiles {
		if p.Quantile == q {
			return p.Value
		}
	}
	return 0
}

// trend keeps exact count/sum/min/max next to a histogram for quantiles.
// Values are scaled by 1000 before they enter the histogram, so timing
// samples in milliseconds are stored with microsecond resolution.
type trend struct {
	mu    sync.Mutex
	hist  *SafeHistogram
	count int64
	sum   float64
	min   float64
	max   float64
}

func newTrend() *trend {
	return &trend{hist: NewSafeHistogram()}
}

func (t *trend) add(v float64) {
	t.mu.Lock()
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.count++
	t.sum += v
	t.mu.Unlock()

	t.hist.RecordValue(int64(math.Round(v * 1000)))
}

func (t *trend) merge(o *trend) {
	if t == o {
		return
	}
	o.mu.Lock()
	count, sum, lo, hi := o.count, o.sum, o.min, o.max
	o.mu.Unlock()
	if count == 0 {
		return
	}

	t.mu.Lock()
	if t.count == 0 || lo < t.min {
		t.min = lo
	}
	if t.count == 0 || hi > t.max {
		t.max = hi
	}
	t.count += count
	t.sum += sum
	t.mu.Unlock()

	t.hist.Merge(o.hist)
}

func (t *trend) stats(percentiles []float64) TrendStats {
	t.mu.Lock()
	s := TrendStats{Count: t.count, Sum: t.sum, Min: t.min, Max: t.max}
	t.mu.Unlock()

	if s.Count > 0 {
		s.Avg = s.Sum / float64(s.Count)
	}
	s.Percentiles = make([]Percentile, 0, len(percentiles))
	for _, q := range percentiles {
		v := 0.0
		if s.Count > 0 {
			// histogram buckets round up; keep results within observed bounds
			v = math.Min(math.Max(float64(t.hist.ValueAtQuantile(q))/1000, s.Min), s.Max)
		}
		s.Percentiles = append(s.Percentiles, Percentile{Quantile: q, Value: v})
	}
	return s
}

// seriesKey turns a tag set into a stable key. Untagged samples get no
// series; a tag set with an empty key degrades to UnlabeledSeries.
func seriesKey(tags Tags) (string, bool) {
	if len(tags) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if strings.TrimSpace(k) == "" {
			return UnlabeledSeries, true
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, tags[k])
	}
	return b.String(), true
}

func copyTags(tags Tags) Tags {
	out := make(Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
