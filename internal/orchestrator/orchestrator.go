// Package orchestrator owns subsystem bring-up and teardown. Components are
// registered in dependency order; start walks them forward and rolls back
// the started prefix on the first failure, stop walks them in reverse.
// Signal handling belongs to the composition root; components never install
// their own handlers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StartFunc brings a component up. It must be fully effective or leave no
// externally visible state behind.
type StartFunc func(ctx context.Context) error

// StopFunc tears a component down. Best-effort; errors are logged, never
// escalated.
type StopFunc func(ctx context.Context) error

type component struct {
	name  string
	start StartFunc
	stop  StopFunc
}

// Orchestrator executes the registered components in order.
type Orchestrator struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	comps   []component
	started int // prefix length of successfully started components
}

// New builds an orchestrator. stopTimeout bounds how long each component's
// stop may run during teardown.
func New(logger *zap.Logger, stopTimeout time.Duration) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Orchestrator{logger: logger, stopTimeout: stopTimeout}
}

// Register appends a component. Call during construction only, before Start.
func (o *Orchestrator) Register(name string, start StartFunc, stop StopFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.comps = append(o.comps, component{name: name, start: start, stop: stop})
}

// Start walks the registry in order. On the first failure the already
// started prefix is stopped in reverse and the original failure is
// returned, leaving nothing started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, c := range o.comps {
		o.logger.Info("starting component", zap.String("component", c.name),
			zap.Int("position", i+1), zap.Int("total", len(o.comps)))

		if err := c.start(ctx); err != nil {
			o.logger.Error("component start failed, rolling back",
				zap.String("component", c.name), zap.Error(err))
			o.rollbackLocked(i)
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		o.started = i + 1
	}

	o.logger.Info("all components started", zap.Int("count", o.started))
	return nil
}

// rollbackLocked stops components [0, upto) in reverse order.
func (o *Orchestrator) rollbackLocked(upto int) {
	for i := upto - 1; i >= 0; i-- {
		o.stopOne(o.comps[i])
	}
	o.started = 0
}

// Stop tears down all started components in reverse order. Idempotent:
// calling it twice has the effect of calling it once. Individual stop
// failures are logged and do not abort the sweep.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started == 0 {
		return
	}
	o.logger.Info("stopping components", zap.Int("count", o.started))
	o.rollbackLocked(o.started)
}

func (o *Orchestrator) stopOne(c component) {
	ctx, cancel := context.WithTimeout(context.Background(), o.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.stop(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			o.logger.Warn("component stop failed",
				zap.String("component", c.name), zap.Error(err))
		} else {
			o.logger.Info("component stopped", zap.String("component", c.name))
		}
	case <-ctx.Done():
		o.logger.Warn("component stop timed out, proceeding",
			zap.String("component", c.name),
			zap.Duration("timeout", o.stopTimeout))
	}
}

// StartedCount returns how many components are currently in the started set.
func (o *Orchestrator) StartedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}
