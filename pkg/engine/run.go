package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/mux"
	"go.uber.org/zap"
)

// plan is the settings snapshot a run executes with.
type plan struct {
	id         uuid.UUID
	sequence   Sequence
	params     inject.Params
	exportPath string
	nbMeas     int
	delay      time.Duration
}

// begin moves the engine to running and snapshots the run parameters.
func (e *Engine) begin(opts RunOptions) (*worker, plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != Idle {
		return nil, plan{}, ErrBusy
	}

	seq := opts.Sequence
	if seq == nil {
		seq = e.sequence
	}
	if len(seq) == 0 {
		return nil, plan{}, ErrNoSequence
	}

	s := e.settings
	p := plan{
		id:         uuid.New(),
		sequence:   seq.Clone(),
		exportPath: s.ExportPath,
		nbMeas:     s.NbMeas,
		delay:      s.SequenceDelay,
		params: inject.Params{
			InjectionDuration: s.InjectionDuration,
			NbStack:           s.NbStack,
			FullWaveform:      e.fullWaveform,
			WaveformPoints:    e.points,
		},
	}
	if opts.InjectionDuration > 0 {
		p.params.InjectionDuration = opts.InjectionDuration
	}
	if opts.NbStack > 0 {
		p.params.NbStack = opts.NbStack
	}
	if opts.ExportPath != "" {
		p.exportPath = opts.ExportPath
	}

	if err := e.transition(Idle, Running); err != nil {
		return nil, plan{}, err
	}
	w := &worker{stop: make(chan struct{}), done: make(chan struct{})}
	e.worker = w
	return w, p, nil
}

// finish returns the engine to idle and releases waiters.
func (e *Engine) finish(w *worker) {
	e.mu.Lock()
	if err := e.transition(e.status, Idle); err != nil {
		e.logger.Error("status", zap.Error(err))
		e.status = Idle
	}
	e.worker = nil
	e.mu.Unlock()
	close(w.done)
}

// RunSequence measures the sequence on the calling goroutine and returns
// the records produced. An interrupted run returns the records acquired so
// far without error.
func (e *Engine) RunSequence(ctx context.Context, opts RunOptions) ([]inject.Record, error) {
	w, p, err := e.begin(opts)
	if err != nil {
		return nil, err
	}
	defer e.finish(w)

	return e.runOnce(ctx, w, p, 0), nil
}

// RunSequenceAsync starts the sequence on a background worker and returns
// immediately. It fails with ErrBusy while another run is active.
func (e *Engine) RunSequenceAsync(opts RunOptions) error {
	return e.RunMultipleSequences(opts, 1, 0)
}

// RunMultipleSequences repeats the sequence count times on a background
// worker, starting repetitions delay apart. Zero count and negative delay
// use the settings.
func (e *Engine) RunMultipleSequences(opts RunOptions, count int, delay time.Duration) error {
	w, p, err := e.begin(opts)
	if err != nil {
		return err
	}

	if count <= 0 {
		count = p.nbMeas
	}
	if delay < 0 {
		delay = p.delay
	}

	e.logger.Info("run started",
		zap.Stringer("run", p.id),
		zap.Int("quadruples", len(p.sequence)),
		zap.Int("repetitions", count),
		zap.Duration("delay", delay),
	)
	go func() {
		defer e.finish(w)
		e.repeat(w, p, count, delay)
	}()
	return nil
}

func (e *Engine) repeat(w *worker, p plan, count int, delay time.Duration) {
	for rep := range count {
		if w.stopped() {
			return
		}
		started := e.clock.Now()
		e.runOnce(e.ctx, w, p, rep)

		if rep == count-1 {
			return
		}
		wait := delay - e.clock.Now().Sub(started)
		if wait <= 0 {
			continue
		}
		select {
		case <-w.stop:
			return
		case <-e.ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

// runOnce measures every quadruple of the plan once, checking for an
// interrupt before each one.
func (e *Engine) runOnce(ctx context.Context, w *worker, p plan, rep int) []inject.Record {
	info := RunInfo{
		ID:         p.id,
		Repetition: rep,
		ExportPath: p.exportPath,
		Started:    e.clock.Now(),
	}
	logger := e.logger.With(zap.Stringer("run", p.id), zap.Int("repetition", rep))

	records := make([]inject.Record, 0, len(p.sequence))
	for i, q := range p.sequence {
		if w.stopped() || ctx.Err() != nil {
			logger.Info("sequence interrupted", zap.Int("index", i))
			return records
		}

		rec := e.acquire(ctx, logger.With(zap.Int("index", i)), q, p.params)
		records = append(records, rec)
		if err := e.sink.Append(ctx, info, rec); err != nil {
			logger.Error("failed to store record", zap.Stringer("quad", q), zap.Error(err))
		}
	}
	logger.Info("sequence complete", zap.Int("records", len(records)))
	return records
}

// acquire validates, routes and measures one quadruple. Failures are
// returned as sentinel records; nothing is switched for a rejected one.
func (e *Engine) acquire(ctx context.Context, logger *zap.Logger, q Quadruple, params inject.Params) inject.Record {
	logger = logger.With(zap.Stringer("quad", q))

	if err := e.Validate(q); err != nil {
		logger.Warn("quadruple rejected", zap.Error(err))
		return inject.FailedRecord(q, inject.StatusRejected, err, e.clock.Now())
	}

	locs, err := e.resolve(q)
	if err != nil {
		logger.Warn("quadruple skipped", zap.Error(err))
		return inject.FailedRecord(q, inject.StatusAddressNotFound, err, e.clock.Now())
	}

	on, err := e.switchOn(locs)
	defer e.switchOff(logger, on)
	if err != nil {
		logger.Error("relay switch failed", zap.Error(err))
		return inject.FailedRecord(q, inject.StatusHardwareError, err, e.clock.Now())
	}

	rec, err := e.meas.Measure(ctx, q, params)
	if err != nil {
		logger.Warn("measurement failed", zap.Stringer("status", rec.Status), zap.Error(err))
	}
	return rec
}

// resolve looks up every used role before anything is switched.
func (e *Engine) resolve(q Quadruple) ([]mux.Location, error) {
	locs := make([]mux.Location, 0, len(mux.Roles))
	for _, r := range mux.Roles {
		el := q.Electrode(r)
		if el == 0 {
			continue
		}
		loc, err := e.table.Lookup(el, r)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// switchOn closes relays in order and returns the ones that closed.
func (e *Engine) switchOn(locs []mux.Location) ([]mux.Location, error) {
	for i, loc := range locs {
		if err := e.relays.SetRelay(loc, true); err != nil {
			return locs[:i], err
		}
	}
	return locs, nil
}

// switchOff opens relays, attempting every one even after a failure.
func (e *Engine) switchOff(logger *zap.Logger, locs []mux.Location) {
	for _, loc := range locs {
		if err := e.relays.SetRelay(loc, false); err != nil {
			logger.Error("relay release failed", zap.Stringer("relay", loc), zap.Error(err))
		}
	}
}
