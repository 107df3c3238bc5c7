package health

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile (0..100) of samples using
// linear interpolation between the two nearest order statistics.
// Non-finite samples are ignored. It reports false when there is
// nothing to compute: no finite samples, or p outside [0, 100].
func Percentile(samples []float64, p float64) (float64, bool) {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return 0, false
	}
	sorted := make([]float64, 0, len(samples))
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sorted = append(sorted, v)
	}
	if len(sorted) == 0 {
		return 0, false
	}
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := math.Floor(rank)
	hi := math.Ceil(rank)
	frac := rank - lo
	a, b := sorted[int(lo)], sorted[int(hi)]
	return a + frac*(b-a), true
}

// percentilePtr is Percentile with the unknown result as nil.
func percentilePtr(samples []float64, p float64) *float64 {
	v, ok := Percentile(samples, p)
	if !ok {
		return nil
	}
	return &v
}
