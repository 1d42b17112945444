package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ShutdownCoordinator tears a node down in reverse start-up order: the DDL
// manager stops before the stores close, the tracer flushes last.
type ShutdownCoordinator struct {
	mu    sync.Mutex
	stack []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Register pushes a close function. Shutdown pops in LIFO order.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, closer{name: name, fn: fn})
}

// Shutdown runs every registered close function, newest first, continuing
// past failures so one stuck component cannot wedge the rest. A second call
// is a no-op.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stack := s.stack
	s.stack = nil
	s.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]
		slog.Info("shutting down", "component", c.name)
		if err := c.fn(ctx); err != nil {
			slog.Error("shutdown error", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
