package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/itohio/goert/pkg/engine"
	"github.com/itohio/goert/pkg/inject"
	"go.uber.org/zap"
)

var _ engine.Sink = (*Router)(nil)

// Router sends each record to the store named by its run's export path,
// opening stores on first use.
type Router struct {
	fallback string
	logger   *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRouter creates a router. Runs without an export path use fallback.
func NewRouter(fallback string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		fallback: fallback,
		logger:   logger.Named("store"),
		stores:   make(map[string]*Store),
	}
}

// Append implements engine.Sink.
func (r *Router) Append(ctx context.Context, run engine.RunInfo, rec inject.Record) error {
	s, err := r.Store(run.ExportPath)
	if err != nil {
		return err
	}
	return s.Append(ctx, run, rec)
}

// Store returns the open store for path, opening it if needed.
func (r *Router) Store(path string) (*Store, error) {
	if path == "" {
		path = r.fallback
	}
	if path == "" {
		return nil, fmt.Errorf("no export path")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[path]; ok {
		return s, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	r.stores[path] = s
	r.logger.Info("store opened", zap.String("path", path))
	return s, nil
}

// Close closes every open store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for path, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		delete(r.stores, path)
	}
	return errors.Join(errs...)
}
