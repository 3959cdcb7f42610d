package inject

import (
	"context"
	"fmt"
	"math"

	"github.com/itohio/goert/pkg/hw"
	"go.uber.org/zap"
)

// Sense is the ADC input used for Vmn and the sign restoring its polarity.
type Sense struct {
	Channel hw.Channel
	Sign    float64
}

var defaultSense = Sense{Channel: hw.VoltagePos, Sign: 1}

// SearchResult is the outcome of the voltage search.
type SearchResult struct {
	Voltage float64 // Applied injection voltage
	Steps   int     // Evaluations performed
	Current float64 // A at the chosen voltage
	Vmn     float64 // V at the chosen voltage
	Sense   Sense
}

// SearchVoltage selects the injection voltage with the configured strategy.
// The source is left with injection off and the chosen voltage applied.
func (c *Controller) SearchVoltage(ctx context.Context) (SearchResult, error) {
	res := SearchResult{Sense: defaultSense}
	if err := c.resetGains(); err != nil {
		return res, err
	}

	if !c.cfg.Variable || c.cfg.Strategy == StrategyConstant {
		return c.constant(ctx, res)
	}

	v := math.Min(c.cfg.SeedVoltage, c.cfg.MaxVoltage)
	first := true
	for {
		if res.Steps >= c.cfg.MaxSteps {
			return res, fmt.Errorf("%w: no convergence after %d steps, last %gV", ErrVoltageSearchExhausted, res.Steps, v)
		}
		res.Steps++

		i, vmn, err := c.probe(ctx, v, &res.Sense, first)
		if err != nil {
			return res, err
		}
		first = false
		res.Voltage, res.Current, res.Vmn = v, i, vmn
		c.logger.Debug("search step",
			zap.Int("step", res.Steps),
			zap.Float64("voltage", v),
			zap.Float64("current", i),
			zap.Float64("vmn", vmn),
		)

		if c.overLimit(i, vmn) {
			return c.stepDown(ctx, res)
		}
		if c.converged(i, vmn) {
			return res, nil
		}
		if v >= c.cfg.MaxVoltage {
			return res, fmt.Errorf("%w: no convergence at max voltage %gV after %d steps", ErrVoltageSearchExhausted, v, res.Steps)
		}
		v = math.Min(v+c.cfg.VoltageStep, c.cfg.MaxVoltage)
	}
}

// constant applies the operator voltage and infers the sense polarity.
func (c *Controller) constant(ctx context.Context, res SearchResult) (SearchResult, error) {
	v := c.cfg.ConstantVoltage
	i, vmn, err := c.probe(ctx, v, &res.Sense, true)
	if err != nil {
		return res, err
	}
	res.Steps = 1
	res.Voltage, res.Current, res.Vmn = v, i, vmn
	return res, nil
}

// stepDown backs off after an overshoot until both limits hold.
func (c *Controller) stepDown(ctx context.Context, res SearchResult) (SearchResult, error) {
	v := res.Voltage
	for retry := 0; retry < c.cfg.MaxRetries; retry++ {
		v -= c.cfg.VoltageStep
		if v <= 0 {
			break
		}

		i, vmn, err := c.probe(ctx, v, &res.Sense, false)
		if err != nil {
			return res, err
		}
		res.Voltage, res.Current, res.Vmn = v, i, vmn
		c.logger.Debug("search step down",
			zap.Int("retry", retry+1),
			zap.Float64("voltage", v),
			zap.Float64("current", i),
			zap.Float64("vmn", vmn),
		)
		if !c.overLimit(i, vmn) {
			return res, nil
		}
	}
	return res, fmt.Errorf("%w: still over limits after %d retries", ErrVoltageSearchExhausted, c.cfg.MaxRetries)
}

func (c *Controller) converged(i, vmn float64) bool {
	if c.cfg.Strategy == StrategyVmin {
		return i >= c.cfg.MinCurrent && math.Abs(vmn) >= c.cfg.MinVoltage
	}
	return i >= c.cfg.TargetCurrent || math.Abs(vmn) >= c.cfg.TargetVoltage
}

func (c *Controller) overLimit(i, vmn float64) bool {
	return (c.cfg.CurrentLimit > 0 && i > c.cfg.CurrentLimit) ||
		(c.cfg.VoltageLimit > 0 && math.Abs(vmn) > c.cfg.VoltageLimit)
}

// probe applies v, injects a positive pulse and returns the settled current
// and Vmn. With infer set, a negative reading on the positive sense input
// switches sense to the opposite input.
func (c *Controller) probe(ctx context.Context, v float64, sense *Sense, infer bool) (i, vmn float64, err error) {
	if ctx.Err() != nil {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
	if c.cfg.Variable {
		if err := c.src.SetInjectionVoltage(v); err != nil {
			return math.NaN(), math.NaN(), err
		}
	}
	if err := c.src.SetInjection(hw.Positive); err != nil {
		return math.NaN(), math.NaN(), err
	}
	defer func() {
		if offErr := c.src.SetInjection(hw.Off); offErr != nil && err == nil {
			err = offErr
		}
	}()

	c.clock.Sleep(c.cfg.SettleTime)

	i, err = c.readCurrent()
	if err != nil {
		return math.NaN(), math.NaN(), err
	}

	if infer {
		raw, err := c.src.Read(hw.VoltagePos)
		if err != nil {
			return math.NaN(), math.NaN(), err
		}
		if raw < 0 {
			*sense = Sense{Channel: defaultSense.Channel.Opposite(), Sign: -1}
			c.logger.Debug("sense routed to opposite input", zap.Float64("raw", raw))
		} else {
			*sense = defaultSense
		}
	}

	vmn, err = c.readVoltage(*sense)
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	return i, vmn, nil
}
