package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/mux"
	"go.uber.org/zap"
)

var (
	// ErrShortCircuitRisk rejects a quadruple whose injection electrodes
	// coincide, or whose sensing electrodes touch a powered one.
	ErrShortCircuitRisk = errors.New("short circuit risk")
	// ErrElectrodeRange rejects a quadruple naming an unknown electrode.
	ErrElectrodeRange = errors.New("electrode out of range")
	// ErrBusy is returned when a run is started while another is active.
	ErrBusy = errors.New("acquisition already running")
	// ErrNoSequence is returned when a run has nothing to measure.
	ErrNoSequence = errors.New("no sequence set")
)

// Measurer acquires one record for a routed quadruple.
type Measurer interface {
	Measure(ctx context.Context, q inject.Quadruple, p inject.Params) (inject.Record, error)
}

// Options configures an Engine.
type Options struct {
	Table    *mux.Table
	Relays   hw.RelayDriver
	Measurer Measurer
	Sink     Sink         // Nil discards records
	Clock    inject.Clock // Nil uses the wall clock
	Logger   *zap.Logger

	Settings Settings
	// MaxElectrodes bounds electrode indices, 0 uses the table's highest.
	MaxElectrodes int
	// PowerSupply forbids M/N sharing an electrode with A/B.
	PowerSupply    bool
	FullWaveform   bool
	WaveformPoints int
}

// Engine sequences quadruple acquisitions. At most one run is active at
// a time; RunStatus is the only state shared with the run's goroutine.
type Engine struct {
	table         *mux.Table
	relays        hw.RelayDriver
	meas          Measurer
	sink          Sink
	clock         inject.Clock
	logger        *zap.Logger
	maxElectrodes int
	powerSupply   bool
	fullWaveform  bool
	points        int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	settings Settings
	sequence Sequence
	worker   *worker
}

// worker is the handle of the active run.
type worker struct {
	stop chan struct{} // Closed by Interrupt
	done chan struct{} // Closed when the run has exited
}

func (w *worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// New creates an engine in the idle state.
func New(opts Options) (*Engine, error) {
	if opts.Table == nil || opts.Relays == nil || opts.Measurer == nil {
		return nil, fmt.Errorf("address table, relay driver and measurer are required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = discard{}
	}
	if opts.Clock == nil {
		opts.Clock = inject.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxElectrodes <= 0 {
		opts.MaxElectrodes = opts.Table.MaxElectrode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		table:         opts.Table,
		relays:        opts.Relays,
		meas:          opts.Measurer,
		sink:          opts.Sink,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("engine"),
		maxElectrodes: opts.MaxElectrodes,
		powerSupply:   opts.PowerSupply,
		fullWaveform:  opts.FullWaveform,
		points:        opts.WaveformPoints,
		ctx:           ctx,
		cancel:        cancel,
		settings:      opts.Settings,
	}, nil
}

// Close interrupts any active run and releases the engine.
func (e *Engine) Close() error {
	e.Interrupt()
	e.cancel()
	return nil
}

// Status returns the current run status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings applies u. Active runs keep the settings they started with.
func (e *Engine) UpdateSettings(u SettingsUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.settings.Apply(u)
	if err != nil {
		return err
	}
	e.settings = s
	e.logger.Info("settings updated",
		zap.Duration("injection_duration", s.InjectionDuration),
		zap.Int("nb_stack", s.NbStack),
		zap.Int("nb_meas", s.NbMeas),
		zap.Duration("sequence_delay", s.SequenceDelay),
		zap.String("export_path", s.ExportPath),
	)
	return nil
}

// SetSequence stores the sequence used by runs without an explicit one.
func (e *Engine) SetSequence(seq Sequence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = seq.Clone()
	e.logger.Info("sequence set", zap.Int("quadruples", len(seq)))
}

// Sequence returns a copy of the stored sequence.
func (e *Engine) Sequence() Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence.Clone()
}

// Validate checks q against the electrode range and short-circuit rules.
func (e *Engine) Validate(q Quadruple) error {
	for _, r := range mux.Roles {
		if el := q.Electrode(r); el < 0 || el > e.maxElectrodes {
			return fmt.Errorf("%w: %s=%d, max %d", ErrElectrodeRange, r, el, e.maxElectrodes)
		}
	}
	if q.A != 0 && q.A == q.B {
		return fmt.Errorf("%w: A and B are both electrode %d", ErrShortCircuitRisk, q.A)
	}
	if e.powerSupply {
		for _, s := range []int{q.M, q.N} {
			if s != 0 && (s == q.A || s == q.B) {
				return fmt.Errorf("%w: sensing electrode %d is powered", ErrShortCircuitRisk, s)
			}
		}
	}
	return nil
}

// Interrupt asks the active run to stop and blocks until it has exited.
// It is a no-op when idle. It must not be called from a Sink.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	w := e.worker
	if w == nil {
		e.mu.Unlock()
		return
	}
	if err := e.transition(Running, Stopping); err == nil {
		close(w.stop)
		e.logger.Info("interrupt requested")
	}
	e.mu.Unlock()

	<-w.done
}

// Wait blocks until the active run, if any, has exited.
func (e *Engine) Wait() {
	e.mu.Lock()
	w := e.worker
	e.mu.Unlock()
	if w != nil {
		<-w.done
	}
}
