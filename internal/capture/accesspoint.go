package capture

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// AccessPoint supervises the hostapd process that attaches endpoint devices
// to the managed wireless interface. The core only cares about its process
// lifecycle; frame-level observation arrives through the raw capture path.
type AccessPoint struct {
	confPath string
	sup      *Supervisor
}

// NewAccessPoint builds a supervisor for hostapd with the given config file.
func NewAccessPoint(confPath string, logger *zap.Logger) *AccessPoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessPoint{
		confPath: confPath,
		sup: NewSupervisor(SupervisorOptions{
			Name:    "hostapd",
			Command: "hostapd",
			Args:    []string{confPath},
		}, logger),
	}
}

// Start validates the config file and launches hostapd.
func (a *AccessPoint) Start(ctx context.Context) error {
	if _, err := os.Stat(a.confPath); err != nil {
		return fmt.Errorf("hostapd config %s: %w", a.confPath, err)
	}
	return a.sup.Start(ctx)
}

// Stop terminates hostapd.
func (a *AccessPoint) Stop(ctx context.Context) error { return a.sup.Stop(ctx) }
