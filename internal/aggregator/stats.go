package aggregator

import (
	"math"
	"slices"
)

// Stats summarises one sample.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
}

// Percentile is the nearest-rank value sorted[floor(p*n)], clamped to the last
// element. No interpolation, to stay comparable with historical reports.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	i := int(math.Floor(p * float64(n)))
	i = max(0, min(i, n-1))
	return sorted[i]
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Summarize computes count, mean and percentiles without modifying values.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return Stats{
		Count: len(sorted),
		Mean:  Mean(sorted),
		P50:   Percentile(sorted, 0.50),
		P90:   Percentile(sorted, 0.90),
		P95:   Percentile(sorted, 0.95),
	}
}

// MovingAverage is the trailing mean over up to window points ending at each index.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 {
		window = 1
	}
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		out[i] = sum / float64(min(i+1, window))
	}
	return out
}
