package sample

import (
	"math"
)

// SettledFraction is the trailing share of an injection window that is
// considered to be in steady state.
const SettledFraction = 1.0 / 3.0

// SettledMean averages the last fraction of a window. An empty window
// yields NaN.
func SettledMean(points []Point, fraction float64) (current, voltage float64) {
	n := len(points)
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}

	k := int(math.Ceil(float64(n) * fraction))
	if k < 1 {
		k = 1
	}

	var sumI, sumV float64
	for _, p := range points[n-k:] {
		sumI += float64(p.Current)
		sumV += float64(p.Voltage)
	}
	return sumI / float64(k), sumV / float64(k)
}

// Stats returns the mean and population standard deviation of values.
// An empty slice yields NaN.
func Stats(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}

	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(values)))
}
