package inject

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/mux"
	"github.com/itohio/goert/pkg/sample"
)

var (
	// ErrVoltageSearchExhausted is returned when no safe injection voltage
	// was found within the step and retry caps.
	ErrVoltageSearchExhausted = errors.New("voltage search exhausted")
	// ErrInterrupted is returned when the acquisition context ends mid-measurement.
	ErrInterrupted = errors.New("measurement interrupted")
)

// Quadruple is the electrode set of one four-point measurement. Zero marks
// an unused role.
type Quadruple struct {
	A, B, M, N int
}

func (q Quadruple) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", q.A, q.B, q.M, q.N)
}

// Electrode returns the electrode assigned to role r.
func (q Quadruple) Electrode(r mux.Role) int {
	switch r {
	case mux.RoleA:
		return q.A
	case mux.RoleB:
		return q.B
	case mux.RoleM:
		return q.M
	case mux.RoleN:
		return q.N
	}
	return 0
}

// Status is the outcome of one quadruple.
type Status int

const (
	StatusOK Status = iota
	StatusRejected
	StatusAddressNotFound
	StatusHardwareError
	StatusSearchExhausted
	StatusInterrupted
)

var statusNames = [...]string{
	StatusOK:              "ok",
	StatusRejected:        "rejected",
	StatusAddressNotFound: "address_not_found",
	StatusHardwareError:   "hardware_error",
	StatusSearchExhausted: "search_exhausted",
	StatusInterrupted:     "interrupted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// StatusOf classifies an acquisition error.
func StatusOf(err error) Status {
	var hwErr *hw.HardwareError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrVoltageSearchExhausted):
		return StatusSearchExhausted
	case errors.Is(err, ErrInterrupted):
		return StatusInterrupted
	case errors.As(err, &hwErr):
		return StatusHardwareError
	}
	return StatusHardwareError
}

// StackSample is the reduced settled reading of one half-cycle.
type StackSample struct {
	Polarity    hw.Polarity
	Current     float64       // A, settled mean
	Voltage     float64       // V, settled mean of the sensed Vmn (not sign corrected)
	Elapsed     time.Duration // Half-cycle start relative to the measurement start
	CurrentGain hw.Gain
	VoltageGain hw.Gain
	Clipped     bool // Injection window reached the full scale of a selected gain
}

// Record is the result of one quadruple. Electrical fields are NaN unless
// Status is StatusOK.
type Record struct {
	Quadruple
	Status Status
	Err    string

	CurrentMean      float64 // A
	CurrentStd       float64
	VoltageMean      float64 // V, sign corrected transfer voltage
	VoltageStd       float64
	Resistance       float64 // Ohm
	ResistanceStd    float64
	SelfPotential    float64 // V
	InjectionVoltage float64 // V
	CurrentGain      hw.Gain
	VoltageGain      hw.Gain

	Stacks    []StackSample
	Waveform  []sample.Point
	Timestamp time.Time
}

// OK reports whether the record holds a valid measurement.
func (r Record) OK() bool {
	return r.Status == StatusOK
}

// FailedRecord builds a sentinel record that keeps the electrode labels.
func FailedRecord(q Quadruple, status Status, err error, ts time.Time) Record {
	nan := math.NaN()
	rec := Record{
		Quadruple:        q,
		Status:           status,
		CurrentMean:      nan,
		CurrentStd:       nan,
		VoltageMean:      nan,
		VoltageStd:       nan,
		Resistance:       nan,
		ResistanceStd:    nan,
		SelfPotential:    nan,
		InjectionVoltage: nan,
		Timestamp:        ts,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	return rec
}
