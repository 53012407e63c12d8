package observability

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

// DiskUsage samples filesystem occupancy for a path. Injectable for tests.
type DiskUsage func(path string) (usedPercent float64, err error)

func statfsUsage(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := st.Bavail * uint64(st.Bsize)
	return float64(total-free) / float64(total) * 100, nil
}

// DiskMonitor watches the data directory's filesystem and escalates to the
// shutdown callback when occupancy crosses the emergency watermark.
type DiskMonitor struct {
	path       string
	watermark  float64
	interval   time.Duration
	usage      DiskUsage
	onCritical func(error)
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiskMonitor builds a monitor over path with watermark in percent.
// onCritical is invoked at most once per crossing.
func NewDiskMonitor(path string, watermarkPercent int, onCritical func(error), logger *zap.Logger) *DiskMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskMonitor{
		path:       path,
		watermark:  float64(watermarkPercent),
		interval:   30 * time.Second,
		usage:      statfsUsage,
		onCritical: onCritical,
		logger:     logger,
	}
}

// Start verifies the filesystem is below the watermark and begins polling.
// Starting above the watermark is a resource failure.
func (d *DiskMonitor) Start(_ context.Context) error {
	used, err := d.usage(d.path)
	if err != nil {
		return fmt.Errorf("sample disk usage: %w", err)
	}
	if used >= d.watermark {
		return orchestrator.NewError(orchestrator.KindResource,
			fmt.Sprintf("free disk space under %s (%.1f%% used)", d.path, used),
			fmt.Errorf("disk usage %.1f%% is at or above the %.0f%% watermark", used, d.watermark))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(runCtx)
	return nil
}

// Stop halts polling.
func (d *DiskMonitor) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *DiskMonitor) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	escalated := false
	for {
		select {
		case <-ticker.C:
			used, err := d.usage(d.path)
			if err != nil {
				d.logger.Warn("disk usage sample failed", zap.Error(err))
				continue
			}
			if used >= d.watermark && !escalated {
				escalated = true
				err := orchestrator.NewError(orchestrator.KindResource,
					fmt.Sprintf("free disk space under %s", d.path),
					fmt.Errorf("disk usage %.1f%% crossed the %.0f%% watermark", used, d.watermark))
				d.logger.Error("disk watermark crossed, initiating shutdown",
					zap.Float64("used_percent", used))
				if d.onCritical != nil {
					d.onCritical(err)
				}
			} else if used < d.watermark {
				escalated = false
			}
		case <-ctx.Done():
			return
		}
	}
}
