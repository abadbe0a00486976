package training

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Series names used by the adversarial loop
const (
	SeriesGenerator     = "G"
	SeriesDiscriminator = "D"
)

// LossHistory accumulates per-iteration metrics for named series until
// they are averaged and flushed
type LossHistory struct {
	series map[string]map[string][]float64
}

// NewLossHistory creates an empty history
func NewLossHistory() *LossHistory {
	return &LossHistory{series: make(map[string]map[string][]float64)}
}

// Append records one iteration of metrics for series
func (h *LossHistory) Append(series string, metrics map[string]float64) {
	s, ok := h.series[series]
	if !ok {
		s = make(map[string][]float64)
		h.series[series] = s
	}
	for k, v := range metrics {
		s[k] = append(s[k], v)
	}
}

// Len returns the number of records held for series
func (h *LossHistory) Len(series string) int {
	n := 0
	for _, values := range h.series[series] {
		if len(values) > n {
			n = len(values)
		}
	}
	return n
}

// Average returns the mean of every metric of series
func (h *LossHistory) Average(series string) map[string]float64 {
	out := make(map[string]float64)
	for k, values := range h.series[series] {
		if len(values) > 0 {
			out[k] = stat.Mean(values, nil)
		}
	}
	return out
}

// Flush returns the averages of every series and clears the history
func (h *LossHistory) Flush() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(h.series))
	for name := range h.series {
		out[name] = h.Average(name)
	}
	h.series = make(map[string]map[string][]float64)
	return out
}

// FormatMetrics renders metrics as "k=v" pairs in a stable order
func FormatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, metrics[k])
	}
	return strings.Join(parts, ", ")
}
