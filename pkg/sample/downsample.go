package sample

import "slices"

// Downsample reduces points to at most maxPoints by averaging consecutive
// buckets. Each output point carries the Elapsed of its bucket's first
// reading, so decay curves keep their time axis. maxPoints <= 0 keeps
// every point. The input is never modified.
func Downsample(points []Point, maxPoints int) []Point {
	n := len(points)
	if maxPoints <= 0 || n <= maxPoints {
		return slices.Clone(points)
	}

	out := make([]Point, maxPoints)
	for b := range out {
		lo, hi := b*n/maxPoints, (b+1)*n/maxPoints
		var sumI, sumV float64
		for _, p := range points[lo:hi] {
			sumI += float64(p.Current)
			sumV += float64(p.Voltage)
		}
		k := float64(hi - lo)
		out[b] = Point{
			Elapsed: points[lo].Elapsed,
			Current: float32(sumI / k),
			Voltage: float32(sumV / k),
		}
	}
	return out
}
