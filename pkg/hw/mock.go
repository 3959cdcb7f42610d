package hw

import (
	"fmt"
	"math"
	"sync"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/mux"
)

// Mock simulates a measurement board wired to a homogeneous ground for
// testing and development.
type Mock struct {
	cfg       config.MockConfig
	shunt     float64
	ampGain   float64
	maxVolt   float64
	mu        sync.RWMutex
	connected bool

	relays   map[mux.Location]bool
	gains    map[Channel]Gain
	voltage  float64
	polarity Polarity
	reads    int // drives the deterministic noise
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}

	return &Mock{
		cfg:     cfg.Mock,
		shunt:   cfg.Injection.ShuntResistance,
		ampGain: cfg.Injection.CurrentGain,
		maxVolt: cfg.Injection.MaxVoltage,
		relays:  make(map[mux.Location]bool),
		gains:   make(map[Channel]Gain),
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	m.polarity = Off
	clear(m.relays)
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetRelay records the relay state.
func (m *Mock) SetRelay(loc mux.Location, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return &HardwareError{Op: "set relay", Target: loc.String(), Err: ErrNotConnected}
	}
	if on {
		m.relays[loc] = true
	} else {
		delete(m.relays, loc)
	}
	return nil
}

// ActiveRelays returns how many relays are currently closed.
func (m *Mock) ActiveRelays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// SetGain records the channel gain.
func (m *Mock) SetGain(ch Channel, g Gain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return &HardwareError{Op: "set gain", Target: ch.String(), Err: ErrNotConnected}
	}
	m.gains[ch] = g
	return nil
}

// SetInjectionVoltage sets the simulated supply voltage.
func (m *Mock) SetInjectionVoltage(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return &HardwareError{Op: "set voltage", Target: "tx", Err: ErrNotConnected}
	}
	if v < 0 || v > m.maxVolt {
		return &HardwareError{Op: "set voltage", Target: "tx", Err: fmt.Errorf("voltage %g outside 0..%g", v, m.maxVolt)}
	}
	m.voltage = v
	return nil
}

// SetInjection sets the simulated injection polarity.
func (m *Mock) SetInjection(p Polarity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return &HardwareError{Op: "set injection", Target: p.String(), Err: ErrNotConnected}
	}
	m.polarity = p
	return nil
}

// Read returns the simulated ADC input voltage, clipped to the gain range.
func (m *Mock) Read(ch Channel) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return math.NaN(), &HardwareError{Op: "read", Target: ch.String(), Err: ErrNotConnected}
	}

	m.reads++
	current := m.current()
	vmn := current*m.polarity.Sign()*m.cfg.TransferResistance + m.cfg.SelfPotential + m.noise()

	var v float64
	switch ch {
	case Current:
		v = current * m.shunt * m.ampGain
	case VoltagePos:
		v = vmn
	case VoltageNeg:
		v = -vmn
	default:
		return math.NaN(), &HardwareError{Op: "read", Target: ch.String(), Err: fmt.Errorf("unknown channel")}
	}

	fs := m.gains[ch].FullScale()
	return math.Max(-fs, math.Min(fs, v)), nil
}

// current returns the injected current magnitude in amperes.
func (m *Mock) current() float64 {
	if m.polarity == Off || len(m.relays) == 0 || m.cfg.ContactResistance <= 0 {
		return 0
	}
	return m.voltage / (m.cfg.ContactResistance + m.shunt)
}

// noise generates deterministic pseudo noise.
func (m *Mock) noise() float64 {
	n := float64(m.reads)
	return (math.Sin(n*0.7) + math.Cos(n*1.3)) * m.cfg.NoiseLevel * 0.5
}
