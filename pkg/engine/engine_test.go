package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/mux"
	"github.com/itohio/goert/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	table, err := mux.Load(config.Default())
	require.NoError(t, err)
	_, err = New(Options{
		Table:    table,
		Relays:   newFakeRelays(),
		Measurer: &fakeMeasurer{},
		Settings: Settings{},
	})
	assert.Error(t, err, "zero settings are invalid")
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	battery := newFixture(t, func(o *Options) { o.PowerSupply = false })

	tests := []struct {
		name       string
		q          Quadruple
		supplyErr  error
		batteryErr error
	}{
		{"valid", Quadruple{A: 1, B: 2, M: 3, N: 4}, nil, nil},
		{"A equals B", Quadruple{A: 3, B: 3, M: 1, N: 2}, ErrShortCircuitRisk, ErrShortCircuitRisk},
		{"unused A and B", Quadruple{A: 0, B: 0, M: 1, N: 2}, nil, nil},
		{"M on A", Quadruple{A: 1, B: 2, M: 1, N: 4}, ErrShortCircuitRisk, nil},
		{"N on B", Quadruple{A: 1, B: 2, M: 3, N: 2}, ErrShortCircuitRisk, nil},
		{"M N on A B", Quadruple{A: 1, B: 2, M: 1, N: 2}, ErrShortCircuitRisk, nil},
		{"electrode too high", Quadruple{A: 1, B: 17, M: 3, N: 4}, ErrElectrodeRange, ErrElectrodeRange},
		{"negative electrode", Quadruple{A: 1, B: 2, M: -3, N: 4}, ErrElectrodeRange, ErrElectrodeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.supplyErr == nil {
				assert.NoError(t, f.engine.Validate(tt.q))
			} else {
				assert.ErrorIs(t, f.engine.Validate(tt.q), tt.supplyErr)
			}
			if tt.batteryErr == nil {
				assert.NoError(t, battery.engine.Validate(tt.q))
			} else {
				assert.ErrorIs(t, battery.engine.Validate(tt.q), tt.batteryErr)
			}
		})
	}
}

func TestRunSequence(t *testing.T) {
	f := newFixture(t)
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}, {A: 9, B: 10, M: 11, N: 12}}

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: seq})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, seq[i], rec.Quadruple, "order is preserved")
		assert.Equal(t, inject.StatusOK, rec.Status)
	}

	// Four relays on and four off per quadruple, all released.
	assert.Len(t, f.relays.Calls(), 24)
	assert.Equal(t, 0, f.relays.Active())
	assert.Equal(t, Idle, f.engine.Status())

	stored := f.sink.Records()
	require.Len(t, stored, 3)
	assert.Equal(t, stored[0].Run.ID, stored[2].Run.ID)
	assert.Equal(t, "data/measurements.db", stored[0].Run.ExportPath)
}

func TestRunSequence_RoutesRelaysBeforeMeasuring(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{{A: 3, B: 0, M: 0, N: 0}}})
	require.NoError(t, err)

	calls := f.relays.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, relayCall{Loc: mux.Location{Board: 1, Address: 0x22, Pin: 2}, On: true}, calls[0])
	assert.Equal(t, relayCall{Loc: mux.Location{Board: 1, Address: 0x22, Pin: 2}, On: false}, calls[1])
}

func TestRunSequence_RejectsShortCircuit(t *testing.T) {
	f := newFixture(t)
	seq := Sequence{{A: 2, B: 2, M: 3, N: 4}, {A: 1, B: 2, M: 1, N: 4}, {A: 1, B: 2, M: 3, N: 4}}

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: seq})
	require.NoError(t, err)
	require.Len(t, records, 3)

	for _, rec := range records[:2] {
		assert.Equal(t, inject.StatusRejected, rec.Status)
		assert.Contains(t, rec.Err, ErrShortCircuitRisk.Error())
	}
	assert.Equal(t, inject.StatusOK, records[2].Status)

	// Only the valid quadruple touched relays or the measurer.
	assert.Len(t, f.relays.Calls(), 8)
	calls := f.meas.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, seq[2], calls[0].Q)
}

func TestRunSequence_BatteryAllowsSharedSensing(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PowerSupply = false })

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{{A: 1, B: 2, M: 1, N: 2}}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, inject.StatusOK, records[0].Status)
	assert.Len(t, f.relays.Calls(), 8)
}

func TestRunSequence_AddressNotFound(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxElectrodes = 32 })

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{{A: 1, B: 20, M: 3, N: 4}, {A: 1, B: 2, M: 3, N: 4}}})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, inject.StatusAddressNotFound, records[0].Status)
	assert.Equal(t, 20, records[0].B)
	assert.Equal(t, inject.StatusOK, records[1].Status)

	// Nothing was switched for the unresolved quadruple.
	assert.Len(t, f.relays.Calls(), 8)
	assert.Len(t, f.meas.Calls(), 1)
}

func TestRunSequence_HardwareErrorContinues(t *testing.T) {
	f := newFixture(t)
	bad := Quadruple{A: 1, B: 2, M: 3, N: 4}
	f.meas.fail = map[Quadruple]error{
		bad: &hw.HardwareError{Op: "read", Target: "current", Err: errors.New("timeout")},
	}

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{bad, {A: 5, B: 6, M: 7, N: 8}}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, inject.StatusHardwareError, records[0].Status)
	assert.Equal(t, inject.StatusOK, records[1].Status)
	assert.Equal(t, 0, f.relays.Active())
}

func TestRunSequence_RelayFailureReleasesSwitched(t *testing.T) {
	f := newFixture(t)
	// Electrode 3 as M sits in the XX bank of board 1.
	table, err := mux.Load(config.Default())
	require.NoError(t, err)
	loc, err := table.Lookup(3, mux.RoleM)
	require.NoError(t, err)
	f.relays.failOn[loc] = true

	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{{A: 1, B: 2, M: 3, N: 4}}})
	require.NoError(t, err)
	assert.Equal(t, inject.StatusHardwareError, records[0].Status)
	assert.Empty(t, f.meas.Calls())
	assert.Equal(t, 0, f.relays.Active())
}

func TestRunSequence_NoSequence(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RunSequence(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoSequence)
	assert.ErrorIs(t, f.engine.RunSequenceAsync(RunOptions{}), ErrNoSequence)
	assert.Equal(t, Idle, f.engine.Status())
}

func TestRunSequence_StoredSequence(t *testing.T) {
	f := newFixture(t)
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}}
	f.engine.SetSequence(seq)
	seq[0].A = 9 // the engine keeps its own copy

	records, err := f.engine.RunSequence(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].A)
	assert.Equal(t, Sequence{{A: 1, B: 2, M: 3, N: 4}}, f.engine.Sequence())
}

func TestUpdateSettings_NbStackRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.engine.SetSequence(Sequence{{A: 1, B: 2, M: 3, N: 4}})

	four := 4
	require.NoError(t, f.engine.UpdateSettings(SettingsUpdate{NbStack: &four}))
	_, err := f.engine.RunSequence(context.Background(), RunOptions{})
	require.NoError(t, err)

	calls := f.meas.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 4, calls[0].Params.NbStack)
	assert.Equal(t, time.Second, calls[0].Params.InjectionDuration)

	// Explicit options win over settings.
	_, err = f.engine.RunSequence(context.Background(), RunOptions{NbStack: 2, InjectionDuration: 250 * time.Millisecond})
	require.NoError(t, err)
	calls = f.meas.Calls()
	assert.Equal(t, 2, calls[1].Params.NbStack)
	assert.Equal(t, 250*time.Millisecond, calls[1].Params.InjectionDuration)
}

func TestUpdateSettings_Invalid(t *testing.T) {
	f := newFixture(t)
	before := f.engine.Settings()

	zero := 0
	assert.Error(t, f.engine.UpdateSettings(SettingsUpdate{NbStack: &zero}))
	assert.Equal(t, before, f.engine.Settings())

	half, path := 0.5, "/tmp/run.db"
	require.NoError(t, f.engine.UpdateSettings(SettingsUpdate{InjectionDuration: &half, ExportPath: &path}))
	s := f.engine.Settings()
	assert.Equal(t, 500*time.Millisecond, s.InjectionDuration)
	assert.Equal(t, path, s.ExportPath)
	assert.Equal(t, before.NbStack, s.NbStack)
}

func TestInterrupt_IdleIsNoop(t *testing.T) {
	f := newFixture(t)
	f.engine.Interrupt()
	f.engine.Interrupt()
	assert.Equal(t, Idle, f.engine.Status())
}

func TestRunSequenceAsync_Busy(t *testing.T) {
	f := newFixture(t)
	f.gated()
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}}

	require.NoError(t, f.engine.RunSequenceAsync(RunOptions{Sequence: seq}))
	<-f.meas.started
	assert.Equal(t, Running, f.engine.Status())

	assert.ErrorIs(t, f.engine.RunSequenceAsync(RunOptions{Sequence: seq}), ErrBusy)
	assert.ErrorIs(t, f.engine.RunMultipleSequences(RunOptions{Sequence: seq}, 2, 0), ErrBusy)
	_, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: seq})
	assert.ErrorIs(t, err, ErrBusy)

	// The running acquisition is unaffected.
	f.meas.gate <- struct{}{}
	<-f.meas.started
	f.meas.gate <- struct{}{}
	f.engine.Wait()

	assert.Equal(t, Idle, f.engine.Status())
	assert.Len(t, f.sink.Records(), 2)
	assert.Len(t, f.meas.Calls(), 2)
}

func TestInterrupt_StopsAfterCurrentQuadruple(t *testing.T) {
	f := newFixture(t)
	f.gated()
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}, {A: 9, B: 10, M: 11, N: 12}}

	require.NoError(t, f.engine.RunSequenceAsync(RunOptions{Sequence: seq}))
	<-f.meas.started

	interrupted := make(chan struct{})
	go func() {
		f.engine.Interrupt()
		close(interrupted)
	}()
	require.Eventually(t, func() bool { return f.engine.Status() == Stopping }, time.Second, time.Millisecond)

	select {
	case <-interrupted:
		t.Fatal("interrupt returned before the worker exited")
	default:
	}

	// Let the in-flight quadruple finish; the worker must not start another.
	f.meas.gate <- struct{}{}
	<-interrupted

	assert.Equal(t, Idle, f.engine.Status())
	assert.Len(t, f.meas.Calls(), 1)
	assert.Len(t, f.sink.Records(), 1)
	assert.Equal(t, 0, f.relays.Active())

	// The engine accepts new runs afterwards.
	f.meas.gate = nil
	f.meas.started = nil
	_, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: seq[:1]})
	assert.NoError(t, err)
}

func TestInterrupt_SyncRun(t *testing.T) {
	f := newFixture(t)
	f.gated()
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}}

	result := make(chan []inject.Record, 1)
	go func() {
		records, _ := f.engine.RunSequence(context.Background(), RunOptions{Sequence: seq})
		result <- records
	}()
	<-f.meas.started

	interrupted := make(chan struct{})
	go func() {
		f.engine.Interrupt()
		close(interrupted)
	}()
	require.Eventually(t, func() bool { return f.engine.Status() == Stopping }, time.Second, time.Millisecond)
	f.meas.gate <- struct{}{}
	<-interrupted

	assert.Len(t, <-result, 1)
}

func TestRunMultipleSequences(t *testing.T) {
	f := newFixture(t)
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}}
	start := f.clock.Now()

	require.NoError(t, f.engine.RunMultipleSequences(RunOptions{Sequence: seq}, 3, 10*time.Minute))
	f.engine.Wait()

	stored := f.sink.Records()
	require.Len(t, stored, 6)
	for i, c := range stored {
		assert.Equal(t, i/2, c.Run.Repetition)
		assert.Equal(t, stored[0].Run.ID, c.Run.ID)
	}
	// Two inter-repetition delays on the fake clock.
	assert.Equal(t, 20*time.Minute, f.clock.Now().Sub(start))
	assert.Equal(t, Idle, f.engine.Status())
}

func TestRunMultipleSequences_DefaultsFromSettings(t *testing.T) {
	f := newFixture(t)
	f.engine.SetSequence(Sequence{{A: 1, B: 2, M: 3, N: 4}})
	two := 2
	require.NoError(t, f.engine.UpdateSettings(SettingsUpdate{NbMeas: &two}))

	require.NoError(t, f.engine.RunMultipleSequences(RunOptions{}, 0, -1))
	f.engine.Wait()
	assert.Len(t, f.sink.Records(), 2)
}

func TestRunMultipleSequences_InterruptDuringDelay(t *testing.T) {
	clock := stalledClock{newFakeClock()}
	f := newFixture(t, func(o *Options) { o.Clock = clock })
	f.sink.notify = make(chan struct{}, 16)
	seq := Sequence{{A: 1, B: 2, M: 3, N: 4}}

	require.NoError(t, f.engine.RunMultipleSequences(RunOptions{Sequence: seq}, 5, time.Hour))
	<-f.sink.notify

	// The delay timer never fires, so only an interrupt can end the run.
	f.engine.Interrupt()
	assert.Equal(t, Idle, f.engine.Status())
	assert.Len(t, f.sink.Records(), 1)
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Error(t, e.transition(Idle, Stopping))
	assert.Error(t, e.transition(Running, Idle), "status is idle")
	require.NoError(t, e.transition(Idle, Running))
	require.NoError(t, e.transition(Running, Stopping))
	assert.Error(t, e.transition(Stopping, Running))
	require.NoError(t, e.transition(Stopping, Idle))
}

func TestMultiSink(t *testing.T) {
	a, b := &collector{}, &collector{}
	failing := SinkFunc(func(context.Context, RunInfo, inject.Record) error { return errors.New("disk full") })

	err := MultiSink{a, failing, b}.Append(context.Background(), RunInfo{}, inject.Record{})
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
}

func TestRunSequence_WithController(t *testing.T) {
	cfg := config.Default()
	cfg.Mock = config.MockConfig{ContactResistance: 998, TransferResistance: 50, SelfPotential: 0.01}
	mock := hw.NewMock(cfg)
	require.NoError(t, mock.Connect())
	t.Cleanup(func() { mock.Close() })

	clock := newFakeClock()
	ctrl, err := inject.New(inject.Config{
		Variable:        true,
		ShuntResistance: 2,
		CurrentGain:     50,
		Strategy:        inject.StrategyConstant,
		ConstantVoltage: 10,
		MaxVoltage:      50,
		SampleInterval:  20 * time.Millisecond,
		SettledFraction: sample.SettledFraction,
	}, mock, clock, nil)
	require.NoError(t, err)

	f := newFixture(t, func(o *Options) {
		o.Relays = mock
		o.Measurer = ctrl
		o.Clock = clock
		o.PowerSupply = false
	})

	one := 1
	require.NoError(t, f.engine.UpdateSettings(SettingsUpdate{NbStack: &one}))
	records, err := f.engine.RunSequence(context.Background(), RunOptions{Sequence: Sequence{{A: 1, B: 2, M: 1, N: 2}}})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, inject.StatusOK, rec.Status, rec.Err)
	require.Len(t, rec.Stacks, 2, "one stack is two half-cycles")
	assert.InDelta(t, 50, rec.Resistance, 1e-3)
	assert.InDelta(t, rec.VoltageMean/rec.CurrentMean, rec.Resistance, 1e-9)
	assert.Equal(t, 0, mock.ActiveRelays())
}

func TestParseSequence(t *testing.T) {
	input := `# dipole-dipole
1 2 3 4
5,6,7,8   # trailing comment

 9	10 11 12
`
	seq, err := ParseSequence(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, Sequence{{A: 1, B: 2, M: 3, N: 4}, {A: 5, B: 6, M: 7, N: 8}, {A: 9, B: 10, M: 11, N: 12}}, seq)

	for _, bad := range []string{"1 2 3", "1 2 3 x", "1 2 3 -4", "1 2 3 4 5"} {
		_, err := ParseSequence(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestLoadSequence(t *testing.T) {
	_, err := LoadSequence("/nonexistent/sequence.txt")
	assert.Error(t, err)
}
