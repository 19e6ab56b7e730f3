package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"vuramp/internal/engine"
)

var levels = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// Sparkline renders a series of values as a single line of block glyphs.
type Sparkline struct {
	Data  []float64
	Width int
	Max   float64
	Style lipgloss.Style
	Label string
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width: width,
		Label: label,
		Style: style,
		Data:  make([]float64, 0, width),
	}
}

// Add appends a value, dropping the oldest once Width is exceeded.
func (s *Sparkline) Add(val float64) {
	s.Data = append(s.Data, val)
	if len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}

	s.Max = 0
	for _, v := range s.Data {
		if v > s.Max {
			s.Max = v
		}
	}
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}

	var graph strings.Builder
	for _, v := range s.Data {
		if s.Max <= 0 || v <= 0 {
			graph.WriteString(levels[0])
			continue
		}
		idx := int(v / s.Max * float64(len(levels)-1))
		// anything above zero gets at least the lowest bar
		if idx < 1 {
			idx = 1
		}
		if idx >= len(levels) {
			idx = len(levels) - 1
		}
		graph.WriteString(levels[idx])
	}

	out := s.Style.Render(graph.String())
	if s.Label != "" {
		out = s.Style.Render(s.Label) + "\n" + out
	}
	return out
}

// VUSparkline folds the per-second timeline into at most width columns,
// keeping the peak VU count of every folded group.
func VUSparkline(buckets []engine.TimeBucket, width int, style lipgloss.Style) Sparkline {
	return foldTimeline(buckets, width, style, func(b engine.TimeBucket) float64 { return float64(b.VUs) })
}

// LatencySparkline is VUSparkline for the per-second p95 request duration.
func LatencySparkline(buckets []engine.TimeBucket, width int, style lipgloss.Style) Sparkline {
	return foldTimeline(buckets, width, style, func(b engine.TimeBucket) float64 { return b.P95Ms })
}

func foldTimeline(buckets []engine.TimeBucket, width int, style lipgloss.Style, value func(engine.TimeBucket) float64) Sparkline {
	s := NewSparkline(width, "", style)
	if width <= 0 || len(buckets) == 0 {
		return s
	}

	group := (len(buckets) + width - 1) / width
	for i := 0; i < len(buckets); i += group {
		peak := 0.0
		for _, b := range buckets[i:min(i+group, len(buckets))] {
			peak = max(peak, value(b))
		}
		s.Add(peak)
	}
	return s
}
