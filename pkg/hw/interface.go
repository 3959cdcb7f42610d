package hw

import (
	"fmt"

	"github.com/itohio/goert/pkg/mux"
)

// Channel is an ADC input of the measurement board.
type Channel int

const (
	// Current reads the amplified shunt voltage.
	Current Channel = iota
	// VoltagePos reads Vmn on the positive-routed input.
	VoltagePos
	// VoltageNeg reads Vmn on the negative-routed input.
	VoltageNeg
)

func (c Channel) String() string {
	switch c {
	case Current:
		return "current"
	case VoltagePos:
		return "vmn+"
	case VoltageNeg:
		return "vmn-"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Opposite returns the other sense channel. Current has no opposite.
func (c Channel) Opposite() Channel {
	switch c {
	case VoltagePos:
		return VoltageNeg
	case VoltageNeg:
		return VoltagePos
	}
	return c
}

// Gain is a programmable ADC gain step.
type Gain int

const (
	Gain2_3 Gain = iota // ±6.144 V
	Gain1               // ±4.096 V
	Gain2               // ±2.048 V
	Gain4               // ±1.024 V
)

var fullScale = [...]float64{6.144, 4.096, 2.048, 1.024}

// Gains returns the gain steps from widest to narrowest range.
func Gains() []Gain {
	return []Gain{Gain2_3, Gain1, Gain2, Gain4}
}

// FullScale returns the input range of the gain step in volts.
func (g Gain) FullScale() float64 {
	if g < Gain2_3 || g > Gain4 {
		return fullScale[Gain2_3]
	}
	return fullScale[g]
}

func (g Gain) String() string {
	switch g {
	case Gain2_3:
		return "2/3"
	case Gain1:
		return "1"
	case Gain2:
		return "2"
	case Gain4:
		return "4"
	}
	return fmt.Sprintf("gain(%d)", int(g))
}

// Polarity is the injection state of the current source.
type Polarity int

const (
	Off Polarity = iota
	Positive
	Negative
)

// Sign returns +1, -1 or 0.
func (p Polarity) Sign() float64 {
	switch p {
	case Positive:
		return 1
	case Negative:
		return -1
	}
	return 0
}

func (p Polarity) String() string {
	switch p {
	case Positive:
		return "+"
	case Negative:
		return "-"
	}
	return "off"
}

// RelayDriver switches multiplexer relays.
type RelayDriver interface {
	SetRelay(loc mux.Location, on bool) error
}

// SignalSource reads ADC channels and drives the current source.
type SignalSource interface {
	Read(ch Channel) (float64, error)
	SetGain(ch Channel, g Gain) error
	SetInjectionVoltage(v float64) error
	SetInjection(p Polarity) error
}

// Device defines the interface for measurement boards (real or mocked).
type Device interface {
	RelayDriver
	SignalSource
	Connect() error
	Close() error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

// HardwareError is an I/O failure on a single relay or channel.
type HardwareError struct {
	Op     string
	Target string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hw: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}
