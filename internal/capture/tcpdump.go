package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultTcpdumpFilter observes DNS traffic alongside any other UDP.
const DefaultTcpdumpFilter = "udp or port 53"

// TcpdumpConfig configures the raw capture daemon.
type TcpdumpConfig struct {
	Interface string
	Filter    string
	OutputDir string
	// RotateMB rolls the output file when it reaches this size (tcpdump -C).
	RotateMB int
}

// Tcpdump supervises the raw packet capture daemon producing rotated pcap
// files for the post-capture DNS pipeline.
type Tcpdump struct {
	cfg    TcpdumpConfig
	sup    *Supervisor
	logger *zap.Logger
	out    string
}

// NewTcpdump builds the raw-capture supervisor.
func NewTcpdump(cfg TcpdumpConfig, logger *zap.Logger) *Tcpdump {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultTcpdumpFilter
	}
	if cfg.RotateMB <= 0 {
		cfg.RotateMB = 10
	}

	out := filepath.Join(cfg.OutputDir, fmt.Sprintf("capture_%d.pcap", time.Now().Unix()))
	args := []string{
		"-i", cfg.Interface,
		"-U",
		"-C", fmt.Sprintf("%d", cfg.RotateMB),
		"-w", out,
		cfg.Filter,
	}

	t := &Tcpdump{cfg: cfg, logger: logger, out: out}
	t.sup = NewSupervisor(SupervisorOptions{
		Name:    "tcpdump",
		Command: "tcpdump",
		Args:    args,
		Ready:   t.waitForOutput,
	}, logger)
	return t
}

// OutputPath returns the first capture file tcpdump writes to.
func (t *Tcpdump) OutputPath() string { return t.out }

// Start creates the output directory and launches tcpdump, waiting until the
// capture file appears.
func (t *Tcpdump) Start(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o700); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	return t.sup.Start(ctx)
}

// Stop terminates the capture daemon.
func (t *Tcpdump) Stop(ctx context.Context) error {
	return t.sup.Stop(ctx)
}

// Running reports whether the daemon is alive.
func (t *Tcpdump) Running() bool { return t.sup.Running() }

func (t *Tcpdump) waitForOutput(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(t.out); err == nil {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("capture file %s never appeared: %w", t.out, ctx.Err())
		}
	}
}
