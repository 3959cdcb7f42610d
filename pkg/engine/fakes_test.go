package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/mux"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// stalledClock never fires timers.
type stalledClock struct {
	*fakeClock
}

func (stalledClock) After(time.Duration) <-chan time.Time { return nil }

type relayCall struct {
	Loc mux.Location
	On  bool
}

type fakeRelays struct {
	mu     sync.Mutex
	calls  []relayCall
	active map[mux.Location]bool
	failOn map[mux.Location]bool
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{active: map[mux.Location]bool{}, failOn: map[mux.Location]bool{}}
}

func (f *fakeRelays) SetRelay(loc mux.Location, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, relayCall{loc, on})
	if on && f.failOn[loc] {
		return &hw.HardwareError{Op: "set relay", Target: loc.String(), Err: errors.New("nack")}
	}
	if on {
		f.active[loc] = true
	} else {
		delete(f.active, loc)
	}
	return nil
}

func (f *fakeRelays) Calls() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func (f *fakeRelays) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

type measureCall struct {
	Q      Quadruple
	Params inject.Params
}

// fakeMeasurer returns a fixed resistance. With gate set, every call
// announces itself on started and blocks until a token arrives on gate.
type fakeMeasurer struct {
	mu      sync.Mutex
	calls   []measureCall
	fail    map[Quadruple]error
	started chan Quadruple
	gate    chan struct{}
}

func (f *fakeMeasurer) Measure(ctx context.Context, q Quadruple, p inject.Params) (inject.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, measureCall{q, p})
	err := f.fail[q]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- q
	}
	if f.gate != nil {
		<-f.gate
	}

	if err != nil {
		return inject.FailedRecord(q, inject.StatusOf(err), err, time.Time{}), err
	}
	return inject.Record{Quadruple: q, Status: inject.StatusOK, Resistance: 42}, nil
}

func (f *fakeMeasurer) Calls() []measureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]measureCall(nil), f.calls...)
}

type collected struct {
	Run RunInfo
	Rec inject.Record
}

type collector struct {
	mu      sync.Mutex
	records []collected
	notify  chan struct{}
}

func (c *collector) Append(_ context.Context, run RunInfo, rec inject.Record) error {
	c.mu.Lock()
	c.records = append(c.records, collected{run, rec})
	c.mu.Unlock()
	if c.notify != nil {
		c.notify <- struct{}{}
	}
	return nil
}

func (c *collector) Records() []collected {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]collected(nil), c.records...)
}

type fixture struct {
	engine *Engine
	relays *fakeRelays
	meas   *fakeMeasurer
	sink   *collector
	clock  *fakeClock
}

func newFixture(t *testing.T, modify ...func(*Options)) *fixture {
	t.Helper()
	table, err := mux.Load(config.Default())
	require.NoError(t, err)

	f := &fixture{
		relays: newFakeRelays(),
		meas:   &fakeMeasurer{},
		sink:   &collector{},
		clock:  newFakeClock(),
	}
	opts := Options{
		Table:       table,
		Relays:      f.relays,
		Measurer:    f.meas,
		Sink:        f.sink,
		Clock:       f.clock,
		Settings:    SettingsFrom(config.Default()),
		PowerSupply: true,
	}
	for _, m := range modify {
		m(&opts)
	}

	f.engine, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.engine.Close() })
	return f
}

// gated makes every measurement block until released.
func (f *fixture) gated() {
	f.meas.started = make(chan Quadruple, 16)
	f.meas.gate = make(chan struct{})
}
