package sample

import (
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/goert/pkg/hw"
)

// Point is one simultaneous current/voltage reading.
type Point struct {
	Elapsed time.Duration // Since the start of the measurement
	Current float32       // A
	Voltage float32       // V, already routed to the sense polarity
}

// HalfCycle holds the raw time series of one injection polarity.
type HalfCycle struct {
	Polarity  hw.Polarity
	Injection []Point
	Decay     []Point
}

// Waveform concatenates the injection and decay windows of every half-cycle.
func Waveform(cycles []HalfCycle) []Point {
	n := 0
	for _, c := range cycles {
		n += len(c.Injection) + len(c.Decay)
	}
	out := make([]Point, 0, n)
	for _, c := range cycles {
		out = append(out, c.Injection...)
		out = append(out, c.Decay...)
	}
	return out
}

// Peak returns the largest absolute current and voltage in points.
func Peak(points []Point) (current, voltage float32) {
	for _, p := range points {
		current = math32.Max(current, math32.Abs(p.Current))
		voltage = math32.Max(voltage, math32.Abs(p.Voltage))
	}
	return current, voltage
}
