package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
)

var _ RecordMonitor = (*Meter)(nil)

// Entry is a record together with the run it belongs to.
type Entry = engine.Entry

// Summary aggregates the records inside the window.
type Summary struct {
	Total          int
	OK             int
	Failed         int
	ByStatus       map[inject.Status]int
	LastResistance float64 // Ohm, NaN until a valid record arrives
	MeanResistance float64 // Ohm, over valid records in the window
}

// RecordMonitor keeps a time window of acquired records.
type RecordMonitor interface {
	ProcessRecords(input <-chan Entry)
	Entries() []Entry                                // Records inside the window, oldest first
	Summary() Summary                                // Aggregate of Entries
	OnUpdate(func(entries []Entry, summary Summary)) // Register callback for updates
}

// Meter implements RecordMonitor.
// The buffer is a FIFO ordered by arrival; entries older than the window,
// measured from the newest record's timestamp, are dropped.
type Meter struct {
	window time.Duration

	entries []Entry
	last    float64
	mu      sync.RWMutex

	callbacks []func(entries []Entry, summary Summary)
	cbMu      sync.RWMutex

	// Set when the input channel closes, prevents further callbacks
	shutdown bool
}

// New creates a monitor keeping records for window. A zero window keeps
// everything.
func New(window time.Duration) *Meter {
	return &Meter{
		window:  window,
		entries: make([]Entry, 0),
		last:    math.NaN(),
	}
}

// ProcessRecords consumes entries until input closes. After that no more
// callbacks are sent.
func (m *Meter) ProcessRecords(input <-chan Entry) {
	for e := range input {
		m.process(e)
	}
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

func (m *Meter) process(e Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	if e.Record.OK() && !math.IsNaN(e.Record.Resistance) {
		m.last = e.Record.Resistance
	}

	if m.window > 0 {
		cutoff := e.Record.Timestamp.Add(-m.window)
		drop := 0
		for drop < len(m.entries) && m.entries[drop].Record.Timestamp.Before(cutoff) {
			drop++
		}
		if drop > 0 {
			m.entries = append(m.entries[:0:0], m.entries[drop:]...)
		}
	}

	shouldNotify := !m.shutdown
	m.mu.Unlock()

	if shouldNotify {
		m.notifyCallbacks()
	}
}

// Entries returns a copy of the buffered entries.
func (m *Meter) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Entry, len(m.entries))
	copy(result, m.entries)
	return result
}

// Summary aggregates the buffered entries.
func (m *Meter) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summarize()
}

// summarize must be called with m.mu held.
func (m *Meter) summarize() Summary {
	s := Summary{
		Total:          len(m.entries),
		ByStatus:       make(map[inject.Status]int),
		LastResistance: m.last,
		MeanResistance: math.NaN(),
	}
	var sum float64
	var n int
	for _, e := range m.entries {
		s.ByStatus[e.Record.Status]++
		if !e.Record.OK() {
			s.Failed++
			continue
		}
		s.OK++
		if !math.IsNaN(e.Record.Resistance) {
			sum += e.Record.Resistance
			n++
		}
	}
	if n > 0 {
		s.MeanResistance = sum / float64(n)
	}
	return s
}

// OnUpdate registers a callback invoked after each record.
// The callback should copy data quickly and return as fast as possible.
func (m *Meter) OnUpdate(callback func(entries []Entry, summary Summary)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// notifyCallbacks copies state under the read lock, then calls callbacks
// without holding any lock.
func (m *Meter) notifyCallbacks() {
	m.mu.RLock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	summary := m.summarize()
	m.mu.RUnlock()

	m.cbMu.RLock()
	callbacks := make([]func(entries []Entry, summary Summary), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(entries, summary)
		}
	}
}
