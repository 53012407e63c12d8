package capture

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Supervisor wraps one external capture process with a uniform lifecycle:
// start waits for a readiness condition within a bounded time or fails, stop
// sends SIGTERM and escalates to SIGKILL after a grace period.
type Supervisor struct {
	name    string
	command string
	args    []string
	ready   func(ctx context.Context) error
	grace   time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// SupervisorOptions configures a process supervisor.
type SupervisorOptions struct {
	Name    string
	Command string
	Args    []string
	// Ready blocks until the process is observed ready or the context
	// expires. Nil means the process is ready as soon as it starts.
	Ready func(ctx context.Context) error
	// Grace is the delay between SIGTERM and SIGKILL on stop.
	Grace time.Duration
}

// NewSupervisor builds a supervisor for one external process.
func NewSupervisor(opts SupervisorOptions, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Grace <= 0 {
		opts.Grace = 3 * time.Second
	}
	return &Supervisor{
		name:    opts.Name,
		command: opts.Command,
		args:    opts.Args,
		ready:   opts.Ready,
		grace:   opts.Grace,
		logger:  logger.With(zap.String("process", opts.Name)),
	}
}

// Start launches the process and waits for readiness. A process that exits
// before readiness is a start failure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s already running", s.name)
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", s.name, err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warn("process exited", zap.Error(err))
		} else {
			s.logger.Info("process exited")
		}
		close(done)
	}()

	s.logger.Info("process started", zap.Int("pid", cmd.Process.Pid),
		zap.String("command", s.command))

	if s.ready == nil {
		return nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	readyErr := make(chan error, 1)
	go func() { readyErr <- s.ready(readyCtx) }()

	select {
	case err := <-readyErr:
		if err != nil {
			_ = s.Stop(ctx)
			return fmt.Errorf("%s not ready: %w", s.name, err)
		}
		return nil
	case <-done:
		return fmt.Errorf("%s exited before becoming ready", s.name)
	case <-ctx.Done():
		_ = s.Stop(context.Background())
		return fmt.Errorf("start %s: %w", s.name, ctx.Err())
	}
}

// Running reports whether the supervised process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop terminates the process: SIGTERM, then SIGKILL after the grace period.
// Stopping an already-stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	// Negative pid signals the whole process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(s.grace):
		s.logger.Warn("process did not exit after SIGTERM, killing")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Error("process survived SIGKILL")
	}
	return nil
}
