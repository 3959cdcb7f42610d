package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itohio/goert/pkg/engine"
)

// Op is an allow-listed operation.
type Op string

const (
	OpRunSequence          Op = "run_sequence"
	OpRunSequenceAsync     Op = "run_sequence_async"
	OpRunMultipleSequences Op = "run_multiple_sequences"
	OpInterrupt            Op = "interrupt"
	OpSetSequence          Op = "set_sequence"
	OpUpdateSettings       Op = "update_settings"
)

type handler func(ctx context.Context, eng Engine, kwargs json.RawMessage) error

var handlers = map[Op]handler{
	OpRunSequence:          runSequence,
	OpRunSequenceAsync:     runSequenceAsync,
	OpRunMultipleSequences: runMultipleSequences,
	OpInterrupt:            interrupt,
	OpSetSequence:          setSequence,
	OpUpdateSettings:       updateSettings,
}

// ParseOp reports whether name is an allow-listed operation.
func ParseOp(name string) (Op, bool) {
	op := Op(name)
	_, ok := handlers[op]
	return op, ok
}

// Ops lists the allow-listed operations.
func Ops() []Op {
	return []Op{OpRunSequence, OpRunSequenceAsync, OpRunMultipleSequences, OpInterrupt, OpSetSequence, OpUpdateSettings}
}

// runArgs are the kwargs accepted by the run operations.
type runArgs struct {
	Sequence          [][]int  `json:"sequence,omitempty"`
	InjectionDuration *float64 `json:"injection_duration,omitempty"` // s
	NbStack           *int     `json:"nb_stack,omitempty"`
	ExportPath        string   `json:"export_path,omitempty"`
}

func (a runArgs) options() (engine.RunOptions, error) {
	var opts engine.RunOptions
	if a.Sequence != nil {
		seq, err := toSequence(a.Sequence)
		if err != nil {
			return opts, err
		}
		opts.Sequence = seq
	}
	if a.InjectionDuration != nil {
		if *a.InjectionDuration <= 0 {
			return opts, fmt.Errorf("injection_duration must be positive")
		}
		opts.InjectionDuration = seconds(*a.InjectionDuration)
	}
	if a.NbStack != nil {
		if *a.NbStack < 1 {
			return opts, fmt.Errorf("nb_stack must be at least 1")
		}
		opts.NbStack = *a.NbStack
	}
	opts.ExportPath = a.ExportPath
	return opts, nil
}

func decodeArgs(kwargs json.RawMessage, v any) error {
	if err := decodeStrict(kwargs, v); err != nil {
		return fmt.Errorf("%w: kwargs: %v", ErrMalformed, err)
	}
	return nil
}

func runSequence(ctx context.Context, eng Engine, kwargs json.RawMessage) error {
	var args runArgs
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}
	opts, err := args.options()
	if err != nil {
		return err
	}
	_, err = eng.RunSequence(ctx, opts)
	return err
}

func runSequenceAsync(_ context.Context, eng Engine, kwargs json.RawMessage) error {
	var args runArgs
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}
	opts, err := args.options()
	if err != nil {
		return err
	}
	return eng.RunSequenceAsync(opts)
}

func runMultipleSequences(_ context.Context, eng Engine, kwargs json.RawMessage) error {
	var args struct {
		runArgs
		NbMeas        int      `json:"nb_meas,omitempty"`
		SequenceDelay *float64 `json:"sequence_delay,omitempty"` // s
	}
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}
	opts, err := args.options()
	if err != nil {
		return err
	}
	if args.NbMeas < 0 {
		return fmt.Errorf("nb_meas must not be negative")
	}

	delay := seconds(-1)
	if args.SequenceDelay != nil {
		if *args.SequenceDelay < 0 {
			return fmt.Errorf("sequence_delay must not be negative")
		}
		delay = seconds(*args.SequenceDelay)
	}
	return eng.RunMultipleSequences(opts, args.NbMeas, delay)
}

func interrupt(_ context.Context, eng Engine, kwargs json.RawMessage) error {
	var args struct{}
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}
	eng.Interrupt()
	return nil
}

func setSequence(_ context.Context, eng Engine, kwargs json.RawMessage) error {
	var args struct {
		Sequence [][]int `json:"sequence,omitempty"`
		File     string  `json:"file,omitempty"`
	}
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}

	var (
		seq engine.Sequence
		err error
	)
	switch {
	case args.File != "" && args.Sequence != nil:
		return fmt.Errorf("%w: sequence and file are exclusive", ErrMalformed)
	case args.File != "":
		seq, err = engine.LoadSequence(args.File)
	default:
		seq, err = toSequence(args.Sequence)
	}
	if err != nil {
		return err
	}
	eng.SetSequence(seq)
	return nil
}

func updateSettings(_ context.Context, eng Engine, kwargs json.RawMessage) error {
	// Both {"nb_stack": 4} and {"settings": {"nb_stack": 4}} are accepted.
	var args struct {
		engine.SettingsUpdate
		Settings *engine.SettingsUpdate `json:"settings,omitempty"`
	}
	if err := decodeArgs(kwargs, &args); err != nil {
		return err
	}

	u := args.SettingsUpdate
	if args.Settings != nil {
		if u != (engine.SettingsUpdate{}) {
			return fmt.Errorf("%w: settings given twice", ErrMalformed)
		}
		u = *args.Settings
	}
	return eng.UpdateSettings(u)
}

func toSequence(rows [][]int) (engine.Sequence, error) {
	seq := make(engine.Sequence, 0, len(rows))
	for i, r := range rows {
		if len(r) != 4 {
			return nil, fmt.Errorf("%w: quadruple %d has %d electrodes", ErrMalformed, i, len(r))
		}
		for _, e := range r {
			if e < 0 {
				return nil, fmt.Errorf("%w: quadruple %d has negative electrode", ErrMalformed, i)
			}
		}
		seq = append(seq, engine.Quadruple{A: r[0], B: r[1], M: r[2], N: r[3]})
	}
	return seq, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
