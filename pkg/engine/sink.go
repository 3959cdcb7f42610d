package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/goert/pkg/inject"
)

// RunInfo identifies the run a record belongs to.
type RunInfo struct {
	ID         uuid.UUID
	Repetition int // Zero based
	ExportPath string
	Started    time.Time
}

// Entry is a record together with the run it belongs to.
type Entry struct {
	Run    RunInfo
	Record inject.Record
}

// Sink consumes records as they are produced.
type Sink interface {
	Append(ctx context.Context, run RunInfo, rec inject.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, run RunInfo, rec inject.Record) error

func (f SinkFunc) Append(ctx context.Context, run RunInfo, rec inject.Record) error {
	return f(ctx, run, rec)
}

// MultiSink fans a record out to every sink. All sinks are called; the
// errors are joined.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, run RunInfo, rec inject.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, run, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discard struct{}

func (discard) Append(context.Context, RunInfo, inject.Record) error { return nil }
