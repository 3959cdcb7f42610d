package inject

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/sample"
	"go.uber.org/zap"
)

// Controller finds a safe injection voltage, selects ADC gains and runs
// stacked half-cycles for one quadruple at a time. It is not safe for
// concurrent use; the engine owns a single controller per device.
type Controller struct {
	cfg    Config
	src    hw.SignalSource
	clock  Clock
	logger *zap.Logger
}

// New creates a controller. A nil clock uses the wall clock and a nil
// logger discards output.
func New(cfg Config, src hw.SignalSource, clock Clock, logger *zap.Logger) (*Controller, error) {
	if src == nil {
		return nil, fmt.Errorf("signal source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid injection config: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		src:    src,
		clock:  clock,
		logger: logger.Named("inject"),
	}, nil
}

// Config returns the controller parameters.
func (c *Controller) Config() Config {
	return c.cfg
}

// Measure acquires one record for q. The record always carries the labels;
// on failure its electrical fields are NaN and the cause is returned too.
// Relays must already route q.
func (c *Controller) Measure(ctx context.Context, q Quadruple, p Params) (Record, error) {
	start := c.clock.Now()
	logger := c.logger.With(zap.Stringer("quad", q))

	if p.NbStack < 1 {
		p.NbStack = 1
	}
	if p.InjectionDuration < c.cfg.SampleInterval {
		p.InjectionDuration = c.cfg.SampleInterval
	}

	res, err := c.SearchVoltage(ctx)
	if err != nil {
		logger.Warn("voltage search failed", zap.Error(err))
		return FailedRecord(q, StatusOf(err), err, start), err
	}
	logger.Debug("voltage selected",
		zap.Float64("voltage", res.Voltage),
		zap.Int("steps", res.Steps),
		zap.Stringer("sense", res.Sense.Channel),
	)

	cycles, stacks, err := c.acquire(ctx, res.Sense, p, start)
	if err != nil {
		logger.Warn("acquisition failed", zap.Error(err))
		return FailedRecord(q, StatusOf(err), err, start), err
	}

	rec := Reduce(q, stacks)
	rec.InjectionVoltage = res.Voltage
	rec.Timestamp = start
	if p.FullWaveform {
		rec.Waveform = sample.Downsample(sample.Waveform(cycles), p.WaveformPoints)
	}

	logger.Info("measured",
		zap.Float64("resistance", rec.Resistance),
		zap.Float64("resistance_std", rec.ResistanceStd),
		zap.Float64("sp", rec.SelfPotential),
		zap.Int("stacks", p.NbStack),
	)
	return rec, nil
}

// acquire runs NbStack positive/negative half-cycle pairs.
func (c *Controller) acquire(ctx context.Context, sense Sense, p Params, start time.Time) ([]sample.HalfCycle, []StackSample, error) {
	cycles := make([]sample.HalfCycle, 0, 2*p.NbStack)
	stacks := make([]StackSample, 0, 2*p.NbStack)

	for range p.NbStack {
		var gi, gv hw.Gain
		for _, pol := range []hw.Polarity{hw.Positive, hw.Negative} {
			if ctx.Err() != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
			}
			begin := c.clock.Now().Sub(start)

			hc, err := c.halfCycle(ctx, pol, sense, p.InjectionDuration, start, &gi, &gv)
			if err != nil {
				return nil, nil, err
			}

			i, v := sample.SettledMean(hc.Injection, c.cfg.SettledFraction)
			clipped := c.clipped(hc.Injection, gi, gv)
			if clipped {
				c.logger.Warn("input clipped",
					zap.Stringer("polarity", pol),
					zap.Stringer("current_gain", gi),
					zap.Stringer("voltage_gain", gv),
				)
			}
			cycles = append(cycles, hc)
			stacks = append(stacks, StackSample{
				Polarity:    pol,
				Current:     i,
				Voltage:     v,
				Elapsed:     begin,
				CurrentGain: gi,
				VoltageGain: gv,
				Clipped:     clipped,
			})
		}
	}
	return cycles, stacks, nil
}

// clipMargin is the fraction of full scale treated as saturated.
const clipMargin = 0.999

// clipped reports whether the window peaks reach the range of gi or gv.
func (c *Controller) clipped(points []sample.Point, gi, gv hw.Gain) bool {
	pi, pv := sample.Peak(points)
	fsi := gi.FullScale() / (c.cfg.ShuntResistance * c.cfg.CurrentGain)
	return float64(pi) >= clipMargin*fsi || float64(pv) >= clipMargin*gv.FullScale()
}

// halfCycle injects with polarity pol, then samples the decay window.
// Gains are selected on the positive half-cycle and reused on the negative.
func (c *Controller) halfCycle(ctx context.Context, pol hw.Polarity, sense Sense, d time.Duration, start time.Time, gi, gv *hw.Gain) (hc sample.HalfCycle, err error) {
	hc.Polarity = pol
	if err := c.src.SetInjection(pol); err != nil {
		return hc, err
	}
	defer func() {
		if offErr := c.src.SetInjection(hw.Off); offErr != nil && err == nil {
			err = offErr
		}
	}()

	if pol == hw.Positive {
		if *gi, *gv, err = c.selectGains(sense); err != nil {
			return hc, err
		}
	}

	if hc.Injection, err = c.window(ctx, sense, d, start); err != nil {
		return hc, err
	}
	if err := c.src.SetInjection(hw.Off); err != nil {
		return hc, err
	}
	hc.Decay, err = c.window(ctx, sense, d, start)
	return hc, err
}

// window samples every SampleInterval until d has elapsed, collecting at
// most d/SampleInterval points.
func (c *Controller) window(ctx context.Context, sense Sense, d time.Duration, start time.Time) ([]sample.Point, error) {
	n := max(int(d/c.cfg.SampleInterval), 1)
	points := make([]sample.Point, 0, n)
	t0 := c.clock.Now()

	for len(points) < n {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		}
		i, err := c.readCurrent()
		if err != nil {
			return nil, err
		}
		v, err := c.readVoltage(sense)
		if err != nil {
			return nil, err
		}
		now := c.clock.Now()
		points = append(points, sample.Point{
			Elapsed: now.Sub(start),
			Current: float32(i),
			Voltage: float32(v),
		})

		c.clock.Sleep(c.cfg.SampleInterval)
		if c.clock.Now().Sub(t0) >= d {
			break
		}
	}
	return points, nil
}

// readCurrent returns the injected current in amperes.
func (c *Controller) readCurrent() (float64, error) {
	v, err := c.src.Read(hw.Current)
	if err != nil {
		return math.NaN(), err
	}
	return v / (c.cfg.ShuntResistance * c.cfg.CurrentGain), nil
}

// readVoltage returns the signed Vmn in volts.
func (c *Controller) readVoltage(s Sense) (float64, error) {
	v, err := c.src.Read(s.Channel)
	if err != nil {
		return math.NaN(), err
	}
	return s.Sign * v, nil
}
