package hw

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/goert/pkg/mux"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is the bridge MCU link speed.
	DefaultBaudRate = 115200
	// DefaultTimeout is how long a command waits for its reply.
	DefaultTimeout = 500 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the device is used before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when the bridge does not answer in time.
	ErrTimeout = errors.New("reply timeout")
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// reply is one parsed line from the bridge.
type reply struct {
	kind    string // ok, a, err
	channel Channel
	volts   float64
	message string
}

// Serial talks to the relay/ADC bridge MCU over a line protocol.
//
// Host commands:
//
//	R,<mux>,<channel>,<addr>,<pin>,<0|1>   switch relay
//	G,<adc channel>,<gain>                  set gain
//	V,<millivolts>                          set injection voltage
//	I,<+|-|0>                               set injection polarity
//	A,<adc channel>                         read channel
//
// The bridge answers every command with "ok", "a,<channel>,<microvolts>" or
// "err,<message>".
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration
	logger   *zap.Logger

	bus sync.Mutex // one transaction at a time

	conn      io.ReadWriteCloser
	replies   chan reply
	done      chan struct{}
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
}

// New creates a new Serial instance with the specified port, baud rate and
// reply timeout.
func New(port string, baudRate int, timeout time.Duration, logger *zap.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
		logger:   logger.Named("serial"),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}

// Connect opens the serial port and starts reading replies.
func (d *Serial) Connect() error {
	d.mu.RLock()
	connected := d.connected
	d.mu.RUnlock()
	if connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	return d.attach(port)
}

// attach starts the reply reader on an already open connection.
func (d *Serial) attach(conn io.ReadWriteCloser) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		conn.Close()
		return fmt.Errorf("already connected")
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.conn = conn
	d.replies = make(chan reply, 1)
	d.done = make(chan struct{})
	d.connected = true

	go d.readReplies(d.ctx, conn, d.replies, d.done)

	return nil
}

// Close closes the connection and waits for the reader to exit.
func (d *Serial) Close() error {
	d.mu.Lock()

	if !d.connected {
		d.mu.Unlock()
		return nil
	}

	d.cancel()

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.connected = false
	done := d.done
	d.mu.Unlock()

	<-done

	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// SetRelay switches one relay.
func (d *Serial) SetRelay(loc mux.Location, on bool) error {
	state := 0
	if on {
		state = 1
	}
	cmd := fmt.Sprintf("R,%d,%d,%d,%d,%d", loc.MuxAddress, loc.MuxChannel, loc.Address, loc.Pin, state)
	if _, err := d.transact(cmd); err != nil {
		return &HardwareError{Op: "set relay", Target: loc.String(), Err: err}
	}
	return nil
}

// Read samples one ADC channel and returns volts at the ADC input.
func (d *Serial) Read(ch Channel) (float64, error) {
	r, err := d.transact(fmt.Sprintf("A,%d", int(ch)))
	if err != nil {
		return math.NaN(), &HardwareError{Op: "read", Target: ch.String(), Err: err}
	}
	if r.kind != "a" || r.channel != ch {
		return math.NaN(), &HardwareError{Op: "read", Target: ch.String(),
			Err: fmt.Errorf("unexpected reply %q for channel %d", r.kind, r.channel)}
	}
	return r.volts, nil
}

// SetGain programs the ADC gain of a channel.
func (d *Serial) SetGain(ch Channel, g Gain) error {
	if _, err := d.transact(fmt.Sprintf("G,%d,%d", int(ch), int(g))); err != nil {
		return &HardwareError{Op: "set gain", Target: ch.String(), Err: err}
	}
	return nil
}

// SetInjectionVoltage programs the power supply output.
func (d *Serial) SetInjectionVoltage(v float64) error {
	if v < 0 || math.IsNaN(v) {
		return &HardwareError{Op: "set voltage", Target: "tx", Err: fmt.Errorf("invalid voltage %g", v)}
	}
	if _, err := d.transact(fmt.Sprintf("V,%d", int(math.Round(v*1000)))); err != nil {
		return &HardwareError{Op: "set voltage", Target: "tx", Err: err}
	}
	return nil
}

// SetInjection switches the current source polarity.
func (d *Serial) SetInjection(p Polarity) error {
	code := "0"
	switch p {
	case Positive:
		code = "+"
	case Negative:
		code = "-"
	}
	if _, err := d.transact("I," + code); err != nil {
		return &HardwareError{Op: "set injection", Target: p.String(), Err: err}
	}
	return nil
}

// transact writes one command and waits for its reply.
func (d *Serial) transact(cmd string) (reply, error) {
	d.bus.Lock()
	defer d.bus.Unlock()

	d.mu.RLock()
	if !d.connected {
		d.mu.RUnlock()
		return reply{}, ErrNotConnected
	}
	conn, replies, ctx := d.conn, d.replies, d.ctx
	d.mu.RUnlock()

	// Drop a late reply to a previous, timed out command.
	select {
	case stale := <-replies:
		d.logger.Warn("Dropping stale reply", zap.String("kind", stale.kind))
	default:
	}

	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return reply{}, fmt.Errorf("failed to send %q: %w", cmd, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r, ok := <-replies:
		if !ok {
			return reply{}, ErrNotConnected
		}
		if r.kind == "err" {
			return r, fmt.Errorf("bridge rejected %q: %s", cmd, r.message)
		}
		return r, nil
	case <-timer.C:
		return reply{}, fmt.Errorf("%q: %w", cmd, ErrTimeout)
	case <-ctx.Done():
		return reply{}, ErrNotConnected
	}
}

// readReplies reads lines from the serial port and parses them into replies.
func (d *Serial) readReplies(ctx context.Context, conn io.Reader, out chan<- reply, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		r, err := parseReply(line)
		if err != nil {
			d.logger.Warn("Failed to parse reply", zap.String("line", line), zap.Error(err))
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		d.logger.Debug("Reply reader stopped", zap.Error(err))
	}
}

// parseReply parses a line from the bridge.
// Formats: "ok", "a,<channel>,<microvolts>", "err,<message>".
func parseReply(line string) (reply, error) {
	parts := strings.SplitN(line, ",", 3)
	switch parts[0] {
	case "ok":
		if len(parts) != 1 {
			return reply{}, fmt.Errorf("invalid ok reply: %q", line)
		}
		return reply{kind: "ok"}, nil
	case "err":
		if len(parts) < 2 {
			return reply{kind: "err", message: "unspecified"}, nil
		}
		return reply{kind: "err", message: strings.Join(parts[1:], ",")}, nil
	case "a":
		if len(parts) != 3 {
			return reply{}, fmt.Errorf("invalid reading: expected 3 comma-separated values, got %d", len(parts))
		}
		ch, err := strconv.Atoi(parts[1])
		if err != nil {
			return reply{}, fmt.Errorf("invalid channel: %w", err)
		}
		if ch < int(Current) || ch > int(VoltageNeg) {
			return reply{}, fmt.Errorf("channel out of range: %d", ch)
		}
		uv, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return reply{}, fmt.Errorf("invalid microvolts: %w", err)
		}
		return reply{kind: "a", channel: Channel(ch), volts: float64(uv) / 1e6}, nil
	}
	return reply{}, fmt.Errorf("unknown reply %q", parts[0])
}
