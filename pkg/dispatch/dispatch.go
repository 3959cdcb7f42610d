// Package dispatch decodes remote control requests and invokes the
// matching engine operation from a fixed allow-list.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
	"go.uber.org/zap"
)

var (
	// ErrUnknownCommand is returned for names outside the allow-list.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is returned for payloads or kwargs that do not decode.
	ErrMalformed = errors.New("malformed request")
)

// DispatchError describes why a request failed.
type DispatchError struct {
	Cmd    string
	CmdID  string
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s (%s): %s: %v", e.Cmd, e.CmdID, e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Engine is the set of operations reachable remotely.
type Engine interface {
	RunSequence(ctx context.Context, opts engine.RunOptions) ([]inject.Record, error)
	RunSequenceAsync(opts engine.RunOptions) error
	RunMultipleSequences(opts engine.RunOptions, count int, delay time.Duration) error
	Interrupt()
	SetSequence(seq engine.Sequence)
	UpdateSettings(u engine.SettingsUpdate) error
}

var _ Engine = (*engine.Engine)(nil)

// Request is an inbound command.
type Request struct {
	Cmd    string          `json:"cmd"`
	CmdID  string          `json:"cmd_id"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
}

// Reply acknowledges a request.
type Reply struct {
	CmdID  string `json:"cmd_id"`
	Status bool   `json:"status"`
}

// Dispatcher routes requests to an Engine.
type Dispatcher struct {
	eng    Engine
	logger *zap.Logger
}

// New creates a dispatcher. A nil logger discards output.
func New(eng Engine, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{eng: eng, logger: logger.Named("dispatch")}
}

// Dispatch decodes payload and handles it. Malformed payloads fail closed.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) Reply {
	var req Request
	if err := decodeStrict(payload, &req); err != nil {
		d.fail(&DispatchError{Reason: "invalid payload", Err: fmt.Errorf("%w: %v", ErrMalformed, err)})
		return Reply{CmdID: peekCmdID(payload)}
	}
	return d.Handle(ctx, req)
}

// Handle invokes the operation named by req. Only allow-listed operations
// run; any error or panic is reported as a failed reply.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (reply Reply) {
	reply = Reply{CmdID: req.CmdID}

	op, ok := ParseOp(req.Cmd)
	if !ok {
		d.fail(&DispatchError{Cmd: req.Cmd, CmdID: req.CmdID, Reason: "not allowed", Err: ErrUnknownCommand})
		return reply
	}

	defer func() {
		if r := recover(); r != nil {
			d.fail(&DispatchError{Cmd: req.Cmd, CmdID: req.CmdID, Reason: "panic", Err: fmt.Errorf("%v", r)})
			reply.Status = false
		}
	}()

	if err := handlers[op](ctx, d.eng, req.Kwargs); err != nil {
		d.fail(&DispatchError{Cmd: req.Cmd, CmdID: req.CmdID, Reason: "failed", Err: err})
		return reply
	}

	d.logger.Info("command executed", zap.String("cmd", req.Cmd), zap.String("cmd_id", req.CmdID))
	reply.Status = true
	return reply
}

func (d *Dispatcher) fail(err *DispatchError) {
	d.logger.Warn("command rejected",
		zap.String("cmd", err.Cmd),
		zap.String("cmd_id", err.CmdID),
		zap.String("reason", err.Reason),
		zap.Error(err.Err),
	)
}

// decodeStrict decodes exactly one JSON value, rejecting unknown fields.
// Empty input and null leave v unchanged.
func decodeStrict(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// peekCmdID recovers the correlation id from an otherwise invalid payload.
func peekCmdID(payload []byte) string {
	var probe struct {
		CmdID string `json:"cmd_id"`
	}
	if json.Unmarshal(payload, &probe) != nil {
		return ""
	}
	return probe.CmdID
}
