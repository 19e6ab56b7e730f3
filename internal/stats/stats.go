package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metric names recorded by the runner.
const (
	MetricWaiting           = "http_req_waiting"
	MetricReceiving         = "http_req_receiving"
	MetricDuration          = "http_req_duration"
	MetricIterationDuration = "iteration_duration"
)

// DefaultPercentiles are reported when the collector is built without any.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// Collector aggregates samples, checks and counters from every virtual user.
// All methods are safe for concurrent use and never block on I/O.
type Collector struct {
	percentiles []float64

	mu      sync.RWMutex
	metrics map[string]*metric
	checks  map[string]*checkCounter
	errors  map[string]int64

	requests   atomic.Int64
	failed     atomic.Int64
	iterations atomic.Int64
	aborted    atomic.Int64
	bytes      atomic.Int64

	// window holds the MetricDuration samples since the last TakeWindow.
	windowMu sync.RWMutex
	window   *trend
}

type metric struct {
	total  *trend
	mu     sync.RWMutex
	series map[string]*taggedTrend
}

type taggedTrend struct {
	tags Tags
	*trend
}

type checkCounter struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// NewCollector returns an empty collector reporting the given percentiles
// (0-100). DefaultPercentiles are used when none are given.
func NewCollector(percentiles ...float64) *Collector {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}
	p := make([]float64, len(percentiles))
	copy(p, percentiles)
	sort.Float64s(p)

	return &Collector{
		percentiles: p,
		metrics:     make(map[string]*metric),
		checks:      make(map[string]*checkCounter),
		errors:      make(map[string]int64),
		window:      newTrend(),
	}
}

// RecordSample adds one value to metric. Samples tagged with a malformed
// tag set land in the UnlabeledSeries bucket.
func (c *Collector) RecordSample(name string, value float64, tags Tags) {
	if value != value { // NaN
		return
	}
	m := c.metric(name)
	m.total.add(value)
	if name == MetricDuration {
		c.windowMu.RLock()
		c.window.add(value)
		c.windowMu.RUnlock()
	}

	key, ok := seriesKey(tags)
	if !ok {
		return
	}
	m.seriesFor(key, tags).add(value)
}

// RecordCheck counts one evaluation of the named check.
func (c *Collector) RecordCheck(label string, passed bool) {
	cc := c.check(label)
	if passed {
		cc.passes.Add(1)
	} else {
		cc.fails.Add(1)
	}
}

// AddRequest counts one HTTP request. ok is false for transport failures.
func (c *Collector) AddRequest(ok bool, bytes int64) {
	c.requests.Add(1)
	if !ok {
		c.failed.Add(1)
	}
	if bytes > 0 {
		c.bytes.Add(bytes)
	}
}

// AddIteration counts one finished iteration. aborted marks iterations cut
// short by a scenario error or panic.
func (c *Collector) AddIteration(aborted bool) {
	c.iterations.Add(1)
	if aborted {
		c.aborted.Add(1)
	}
}

// RecordError counts a normalised request error kind.
func (c *Collector) RecordError(kind string) {
	if kind == "" {
		kind = "unknown error"
	}
	c.mu.Lock()
	c.errors[kind]++
	c.mu.Unlock()
}

// Counters returns the live counters without computing percentiles.
func (c *Collector) Counters() Counters {
	var passes, fails int64
	c.mu.RLock()
	for _, cc := range c.checks {
		passes += cc.passes.Load()
		fails += cc.fails.Load()
	}
	c.mu.RUnlock()

	return Counters{
		Requests:          c.requests.Load(),
		RequestsFailed:    c.failed.Load(),
		Iterations:        c.iterations.Load(),
		IterationsAborted: c.aborted.Load(),
		BytesReceived:     c.bytes.Load(),
		ChecksPassed:      passes,
		ChecksFailed:      fails,
	}
}

// Merge folds everything recorded in other into c.
func (c *Collector) Merge(other *Collector) {
	if c == other || other == nil {
		return
	}

	other.mu.RLock()
	metrics := make(map[string]*metric, len(other.metrics))
	for name, m := range other.metrics {
		metrics[name] = m
	}
	checks := make(map[string]*checkCounter, len(other.checks))
	for label, cc := range other.checks {
		checks[label] = cc
	}
	errs := make(map[string]int64, len(other.errors))
	for kind, n := range other.errors {
		errs[kind] = n
	}
	other.mu.RUnlock()

	for name, om := range metrics {
		m := c.metric(name)
		m.total.merge(om.total)

		om.mu.RLock()
		series := make(map[string]*taggedTrend, len(om.series))
		for key, ot := range om.series {
			series[key] = ot
		}
		om.mu.RUnlock()

		for key, ot := range series {
			m.seriesFor(key, ot.tags).merge(ot.trend)
		}
	}
	for label, occ := range checks {
		cc := c.check(label)
		cc.passes.Add(occ.passes.Load())
		cc.fails.Add(occ.fails.Load())
	}
	c.mu.Lock()
	for kind, n := range errs {
		c.errors[kind] += n
	}
	c.mu.Unlock()

	c.requests.Add(other.requests.Load())
	c.failed.Add(other.failed.Load())
	c.iterations.Add(other.iterations.Load())
	c.aborted.Add(other.aborted.Load())
	c.bytes.Add(other.bytes.Load())
}

// Trend returns the aggregate of one metric without its per-series
// breakdown. It is cheap enough to call on every progress tick.
func (c *Collector) Trend(name string) (TrendStats, bool) {
	c.mu.RLock()
	m, ok := c.metrics[name]
	c.mu.RUnlock()
	if !ok {
		return TrendStats{}, false
	}
	return m.total.stats(c.percentiles), true
}

// TakeWindow summarises the MetricDuration samples recorded since the
// previous call and starts a new window. The collector's percentiles are
// used when none are given. Merge does not carry windows.
func (c *Collector) TakeWindow(percentiles ...float64) TrendStats {
	if len(percentiles) == 0 {
		percentiles = c.percentiles
	}
	c.windowMu.Lock()
	w := c.window
	c.window = newTrend()
	c.windowMu.Unlock()
	return w.stats(percentiles)
}

// Snapshot returns the aggregate view at the time of the call.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Percentiles: append([]float64(nil), c.percentiles...),
		Metrics:     make(map[string]MetricStats),
		Checks:      make(map[string]CheckStats),
		Errors:      make(map[string]int64),
		Counters:    c.Counters(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, m := range c.metrics {
		ms := MetricStats{Name: name, TrendStats: m.total.stats(c.percentiles)}
		m.mu.RLock()
		for key, t := range m.series {
			ms.Series = append(ms.Series, SeriesStats{
				Key:        key,
				Tags:       copyTags(t.tags),
				TrendStats: t.stats(c.percentiles),
			})
		}
		m.mu.RUnlock()
		sort.Slice(ms.Series, func(i, j int) bool { return ms.Series[i].Key < ms.Series[j].Key })
		s.Metrics[name] = ms
	}
	for label, cc := range c.checks {
		s.Checks[label] = CheckStats{Passes: cc.passes.Load(), Fails: cc.fails.Load()}
	}
	for kind, n := range c.errors {
		s.Errors[kind] = n
	}
	return s
}

func (c *Collector) metric(name string) *metric {
	c.mu.RLock()
	m, ok := c.metrics[name]
	c.mu.RUnlock()
	if ok {
		return m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok = c.metrics[name]; ok {
		return m
	}
	m = &metric{total: newTrend(), series: make(map[string]*taggedTrend)}
	c.metrics[name] = m
	return m
}

func (c *Collector) check(label string) *checkCounter {
	c.mu.RLock()
	cc, ok := c.checks[label]
	c.mu.RUnlock()
	if ok {
		return cc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok = c.checks[label]; ok {
		return cc
	}
	cc = &checkCounter{}
	c.checks[label] = cc
	return cc
}

func (m *metric) seriesFor(key string, tags Tags) *taggedTrend {
	m.mu.RLock()
	t, ok := m.series[key]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.series[key]; ok {
		return t
	}
	if key == UnlabeledSeries {
		tags = nil
	}
	t = &taggedTrend{tags: copyTags(tags), trend: newTrend()}
	m.series[key] = t
	return t
}
