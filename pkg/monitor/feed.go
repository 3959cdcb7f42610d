package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
)

var _ engine.Sink = (*Feed)(nil)

// ErrFeedClosed is returned by Append after Close.
var ErrFeedClosed = errors.New("monitor feed closed")

// Feed is an engine.Sink that forwards records to a channel, typically
// consumed by Meter.ProcessRecords.
type Feed struct {
	ch     chan Entry
	mu     sync.RWMutex
	closed bool
}

// NewFeed creates a feed buffering up to size entries.
func NewFeed(size int) *Feed {
	return &Feed{ch: make(chan Entry, max(size, 0))}
}

// Records returns the channel closed by Close.
func (f *Feed) Records() <-chan Entry {
	return f.ch
}

// Append blocks until the entry is queued or ctx is done.
func (f *Feed) Append(ctx context.Context, run engine.RunInfo, rec inject.Record) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	select {
	case f.ch <- Entry{Run: run, Record: rec}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. It is safe to call more than once.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
