package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxTrackable is the largest value the histograms keep, in microseconds.
const maxTrackable = int64(10 * time.Minute / time.Microsecond)

// SafeHistogram is a thread-safe wrapper around hdrhistogram
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	// 1us to 10min, 3 significant figures
	h := hdrhistogram.New(1, maxTrackable, 3)
	return &SafeHistogram{hist: h}
}

// RecordValue records a value in microseconds. Out of range values are
// clamped so that recording never fails.
func (h *SafeHistogram) RecordValue(v int64) {
	if v < 0 {
		v = 0
	} else if v > maxTrackable {
		v = maxTrackable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(v)
}

func (h *SafeHistogram) ValueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtQuantile(q)
}

// Merge adds every value recorded in other into h.
func (h *SafeHistogram) Merge(other *SafeHistogram) {
	if h == other {
		return
	}
	other.mu.Lock()
	snap := other.hist.Export()
	other.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Merge(hdrhistogram.Import(snap))
}
