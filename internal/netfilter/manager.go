// Package netfilter installs and removes the routing rules that steer
// client traffic through the interception proxy. All mutations go through a
// dedicated chain so teardown can flush exactly what was installed.
package netfilter

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

// ChainName is the dedicated NAT chain owned by the daemon.
const ChainName = "TRAFFICD"

// Runner executes one rule command. Injectable so rule logic is testable
// without root.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner shells out to the real binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Manager owns the daemon's chain in the NAT table.
type Manager struct {
	iface     string
	proxyPort int
	runner    Runner
	logger    *zap.Logger

	mu        sync.Mutex
	installed bool
}

// NewManager builds a manager redirecting HTTP and HTTPS from iface to the
// proxy port.
func NewManager(iface string, proxyPort int, runner Runner, logger *zap.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{iface: iface, proxyPort: proxyPort, runner: runner, logger: logger}
}

// rules returns the ordered iptables invocations that build the chain.
func (m *Manager) rules() [][]string {
	port := strconv.Itoa(m.proxyPort)
	return [][]string{
		{"-t", "nat", "-N", ChainName},
		{"-t", "nat", "-A", ChainName, "-p", "tcp", "--dport", "80", "-j", "REDIRECT", "--to-port", port},
		{"-t", "nat", "-A", ChainName, "-p", "tcp", "--dport", "443", "-j", "REDIRECT", "--to-port", port},
		// DNS stays on path; observation happens via raw capture.
		{"-t", "nat", "-A", ChainName, "-p", "udp", "--dport", "53", "-j", "RETURN"},
		{"-t", "nat", "-A", "PREROUTING", "-i", m.iface, "-j", ChainName},
	}
}

// teardown returns the invocations that remove the chain. Errors from
// individual steps are tolerated so a partial install still cleans up.
func (m *Manager) teardown() [][]string {
	return [][]string{
		{"-t", "nat", "-D", "PREROUTING", "-i", m.iface, "-j", ChainName},
		{"-t", "nat", "-F", ChainName},
		{"-t", "nat", "-X", ChainName},
	}
}

// Start installs the chain atomically: on any step failure the steps already
// applied are rolled back and a network error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return nil
	}

	for i, args := range m.rules() {
		if err := m.runner.Run(ctx, "iptables", args...); err != nil {
			m.logger.Error("rule install failed, rolling back",
				zap.Strings("args", args), zap.Error(err))
			m.removeLocked(ctx)
			return orchestrator.NewError(orchestrator.KindNetwork,
				"verify iptables is present and the daemon runs with CAP_NET_ADMIN",
				fmt.Errorf("install rule %d: %w", i+1, err))
		}
	}

	m.installed = true
	m.logger.Info("routing rules installed",
		zap.String("chain", ChainName),
		zap.String("interface", m.iface),
		zap.Int("proxy_port", m.proxyPort))
	return nil
}

// Stop removes the chain. Idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return nil
	}
	m.removeLocked(ctx)
	m.installed = false
	m.logger.Info("routing rules removed", zap.String("chain", ChainName))
	return nil
}

func (m *Manager) removeLocked(ctx context.Context) {
	for _, args := range m.teardown() {
		if err := m.runner.Run(ctx, "iptables", args...); err != nil {
			m.logger.Debug("teardown step failed", zap.Strings("args", args), zap.Error(err))
		}
	}
}

// Installed reports whether the chain is currently in place.
func (m *Manager) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}
