// Package remote exposes the command dispatcher over socket.io.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/itohio/goert/pkg/config"
	"github.com/itohio/goert/pkg/dispatch"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"go.uber.org/zap"
)

// ConnectTimeout bounds the wait for the first connection.
const ConnectTimeout = 15 * time.Second

var ErrEmptyPayload = errors.New("empty payload")

// Handler turns a raw command payload into a reply.
type Handler interface {
	Dispatch(ctx context.Context, payload []byte) dispatch.Reply
}

var _ Handler = (*dispatch.Dispatcher)(nil)

// conn is the part of a socket.io client the listener uses.
type conn interface {
	On(event string, fn func(...any))
	Emit(event string, data any)
	Disconnect()
}

type dialer func(ctx context.Context) (conn, error)

// Listener receives commands on one event and acknowledges them on another.
type Listener struct {
	cfg     config.RemoteConfig
	handler Handler
	logger  *zap.Logger
	dial    dialer

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New validates cfg and creates a listener. A nil logger discards output.
func New(cfg config.RemoteConfig, h Handler, logger *zap.Logger) (*Listener, error) {
	if h == nil {
		return nil, fmt.Errorf("remote: nil handler")
	}
	if cfg.CommandEvent == "" || cfg.AckEvent == "" {
		return nil, fmt.Errorf("remote: command and ack events must be set")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to parse URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid URL %q", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Listener{
		cfg:     cfg,
		handler: h,
		logger:  logger.Named("remote").With(zap.String("url", cfg.URL)),
	}
	l.dial = func(ctx context.Context) (conn, error) {
		return dialSocket(ctx, u, cfg, l.logger)
	}
	return l, nil
}

// Run connects and serves commands until ctx is cancelled. In-flight
// commands are waited for before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	c, err := l.dial(ctx)
	if err != nil {
		return err
	}

	c.On("disconnect", func(args ...any) {
		l.logger.Warn("disconnected", zap.Any("reason", first(args)))
	})
	c.On(l.cfg.CommandEvent, func(args ...any) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.stopped {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(ctx, c, args)
		}()
	})
	l.logger.Info("listening",
		zap.String("command_event", l.cfg.CommandEvent),
		zap.String("ack_event", l.cfg.AckEvent),
	)

	<-ctx.Done()
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	c.Disconnect()
	l.wg.Wait()
	l.logger.Info("stopped")
	return nil
}

func (l *Listener) serve(ctx context.Context, c conn, args []any) {
	payload, err := payloadBytes(args...)
	var reply dispatch.Reply
	if err != nil {
		l.logger.Warn("unreadable command", zap.Error(err))
	} else {
		reply = l.handler.Dispatch(ctx, payload)
	}
	c.Emit(l.cfg.AckEvent, replyPayload(reply))
}

// payloadBytes extracts the JSON document carried by a socket.io event.
// Trailing arguments such as ack callbacks are ignored.
func payloadBytes(args ...any) ([]byte, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, ErrEmptyPayload
	}
	switch v := args[0].(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case interface{ Bytes() []byte }:
		return v.Bytes(), nil
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func replyPayload(r dispatch.Reply) map[string]any {
	return map[string]any{
		"cmd_id": r.CmdID,
		"status": r.Status,
	}
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

type socketConn struct {
	io *socket.Socket
}

func (s socketConn) On(event string, fn func(...any)) {
	s.io.On(types.EventName(event), fn)
}

func (s socketConn) Emit(event string, data any) {
	s.io.Emit(event, data)
}

func (s socketConn) Disconnect() {
	s.io.Disconnect()
}

func dialSocket(ctx context.Context, u *url.URL, cfg config.RemoteConfig, logger *zap.Logger) (conn, error) {
	opts := socket.DefaultOptions()
	opts.SetPath(u.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(fmt.Sprintf("%s://%s", u.Scheme, u.Host), opts)
	io := manager.Socket(cfg.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("connected", zap.String("sid", io.Id()))
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(args ...any) {
		err, ok := first(args).(error)
		if !ok {
			err = fmt.Errorf("connect error: %v", first(args))
		}
		select {
		case connected <- err:
		default:
		}
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return socketConn{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", ConnectTimeout)
	}
}
