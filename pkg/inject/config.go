package inject

import (
	"fmt"
	"time"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/sample"
)

// Strategy selects how the injection voltage is chosen.
type Strategy string

const (
	// StrategyVmax ascends until current or Vmn reaches its target.
	StrategyVmax Strategy = "vmax"
	// StrategyVmin ascends until both current and Vmn are measurable.
	StrategyVmin Strategy = "vmin"
	// StrategyConstant applies the operator voltage without search.
	StrategyConstant Strategy = "constant"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyVmax, StrategyVmin, StrategyConstant:
		return st, nil
	}
	return "", fmt.Errorf("unknown injection strategy %q", s)
}

// Config contains the controller parameters. Voltages in V, currents in A.
type Config struct {
	// Variable is true for a programmable supply. A battery only supports
	// StrategyConstant and its voltage is never set.
	Variable        bool
	ShuntResistance float64 // Ohm
	CurrentGain     float64 // Shunt amplifier gain
	Strategy        Strategy
	SeedVoltage     float64
	ConstantVoltage float64
	VoltageStep     float64
	MaxVoltage      float64
	MaxSteps        int
	MaxRetries      int
	TargetCurrent   float64
	TargetVoltage   float64
	MinCurrent      float64
	MinVoltage      float64
	CurrentLimit    float64
	VoltageLimit    float64
	SettleTime      time.Duration
	SampleInterval  time.Duration
	SettledFraction float64 // Trailing share of a window averaged as steady state
}

// ConfigFrom builds controller parameters from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	strategy, err := ParseStrategy(cfg.Injection.Strategy)
	if err != nil {
		return Config{}, err
	}
	inj := cfg.Injection
	return Config{
		Variable:        inj.PowerSupply == config.PowerSupply,
		ShuntResistance: inj.ShuntResistance,
		CurrentGain:     inj.CurrentGain,
		Strategy:        strategy,
		SeedVoltage:     inj.SeedVoltage,
		ConstantVoltage: inj.ConstantVoltage,
		VoltageStep:     inj.VoltageStep,
		MaxVoltage:      inj.MaxVoltage,
		MaxSteps:        inj.MaxSteps,
		MaxRetries:      inj.MaxRetries,
		TargetCurrent:   inj.TargetCurrent,
		TargetVoltage:   inj.TargetVoltage,
		MinCurrent:      inj.MinCurrent,
		MinVoltage:      inj.MinVoltage,
		CurrentLimit:    inj.CurrentLimit,
		VoltageLimit:    inj.VoltageLimit,
		SettleTime:      inj.SettleTime,
		SampleInterval:  cfg.Acquisition.SamplingInterval,
		SettledFraction: sample.SettledFraction,
	}, nil
}

// Validate checks the parameters for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.ShuntResistance <= 0:
		return fmt.Errorf("shunt resistance must be positive, got %g", c.ShuntResistance)
	case c.CurrentGain <= 0:
		return fmt.Errorf("current gain must be positive, got %g", c.CurrentGain)
	case c.SampleInterval <= 0:
		return fmt.Errorf("sample interval must be positive, got %v", c.SampleInterval)
	case c.SettledFraction <= 0 || c.SettledFraction > 1:
		return fmt.Errorf("settled fraction must be in (0, 1], got %g", c.SettledFraction)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if !c.Variable {
		if c.Strategy != StrategyConstant {
			return fmt.Errorf("strategy %s requires a programmable power supply", c.Strategy)
		}
		return nil
	}

	switch {
	case c.MaxVoltage <= 0:
		return fmt.Errorf("max voltage must be positive, got %g", c.MaxVoltage)
	case c.Strategy == StrategyConstant && (c.ConstantVoltage <= 0 || c.ConstantVoltage > c.MaxVoltage):
		return fmt.Errorf("constant voltage %g outside (0, %g]", c.ConstantVoltage, c.MaxVoltage)
	case c.Strategy == StrategyConstant:
		return nil
	case c.VoltageStep <= 0:
		return fmt.Errorf("voltage step must be positive, got %g", c.VoltageStep)
	case c.SeedVoltage <= 0 || c.SeedVoltage > c.MaxVoltage:
		return fmt.Errorf("seed voltage %g outside (0, %g]", c.SeedVoltage, c.MaxVoltage)
	case c.MaxSteps <= 0:
		return fmt.Errorf("max steps must be positive, got %d", c.MaxSteps)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Params are the per-run acquisition settings.
type Params struct {
	InjectionDuration time.Duration
	NbStack           int
	FullWaveform      bool
	WaveformPoints    int // Stored waveform size, 0 keeps every point
}
