package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/analysis"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/api"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/bus"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/capture"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/certs"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/config"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/intercept"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/logs"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/netfilter"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/observability"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/session"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/store"
)

const (
	stopTimeout      = 10 * time.Second
	breakerThreshold = 5
	gaugeInterval    = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture and analysis daemon",
		RunE:  runServe,
	}
}

// applyFlagOverrides maps explicit flags onto the environment layer so the
// loader resolves every derived path exactly once.
func applyFlagOverrides() {
	if dataDir != "" {
		os.Setenv("TRAFFICD_DATA_DIR", dataDir)
	}
	if logLevel != "" {
		os.Setenv("TRAFFICD_LOGGING_LEVEL", logLevel)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	applyFlagOverrides()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger, err := logs.Setup(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting trafficd",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("data_dir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(&cfg.Database, cfg.IsProduction(), logger)
	if err != nil {
		return err
	}

	if err := st.EnsureAdmin(ctx, cfg.API.AdminUsername, cfg.API.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	secret := []byte(cfg.API.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("api.jwt_secret not set, issued tokens will not survive a restart")
	}

	b := bus.New(secret, logger)
	mm := observability.NewMetricsManager(logger)
	pub := &meteredPublisher{bus: b, mm: mm}

	var analyzers []analysis.Analyzer
	if cfg.Analysis.HTTPEnabled {
		analyzers = append(analyzers, analysis.NewHTTPAnalyzer())
	}
	if cfg.Analysis.PassiveEnabled {
		analyzers = append(analyzers, analysis.NewPassiveAnalyzer())
	}
	if cfg.Analysis.TLSEnabled {
		analyzers = append(analyzers, analysis.NewTLSAnalyzer())
	}
	if cfg.Analysis.DNSEnabled {
		analyzers = append(analyzers, analysis.NewDNSAnalyzer())
	}

	var cache *analysis.Cache
	if cfg.Analysis.Cache.Enabled {
		cache = analysis.NewCache(cfg.Analysis.Cache.MaxSize, cfg.CacheTTL())
	}

	stats := analysis.NewMetrics()
	pipeline := analysis.NewOrchestrator(analyzers, analysis.Options{
		MaxConcurrent: cfg.Analysis.MaxConcurrentAnalyses,
		SoftDeadline:  cfg.AnalysisDeadline(),
		Cache:         cache,
	}, st, pub, stats, logger)

	tracker := session.NewTracker(cfg.SessionTimeout(), st, logger)
	certStore := certs.NewStore(filepath.Join(cfg.DataDir, "certs"), logger)

	hook := intercept.NewHook(tracker, st, pipeline, pub, logger)
	proxy := intercept.NewProxy(cfg.Capture.MitmProxy.Port, certStore, hook, pub, logger)

	ring := capture.NewRingBuffer(cfg.Capture.Pcap.BufferSizeMB << 20)
	backpressure := capture.NewBackpressure(ring, logger)
	breaker := capture.NewCircuitBreaker(breakerThreshold)
	exporter := capture.NewExporter(cfg.Capture.Pcap.OutputDir, ring, backpressure, breaker, logger)
	proxy.SetRawSink(exporter)

	seenDB, err := bbolt.Open(filepath.Join(cfg.DataDir, "pcap_seen.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open pcap ledger: %w", err)
	}
	defer seenDB.Close()

	monitor := capture.NewMonitor(
		[]string{cfg.Capture.Pcap.OutputDir},
		cfg.Analysis.PcapPollInterval,
		capture.PcapDissector{},
		&meteredDNSSink{store: st, mm: mm},
		&dnsSubmitter{pipeline: pipeline},
		seenDB,
		logger,
	)

	var raw *capture.Tcpdump
	if cfg.Capture.Tcpdump.Enabled {
		raw = capture.NewTcpdump(capture.TcpdumpConfig{
			Interface: cfg.Capture.Tcpdump.Interface,
			Filter:    cfg.Capture.Tcpdump.Filter,
			OutputDir: cfg.Capture.Pcap.OutputDir,
		}, logger)
	}

	var ap *capture.AccessPoint
	if cfg.Capture.Hostapd.Enabled {
		ap = capture.NewAccessPoint(cfg.Capture.Hostapd.ConfigPath, logger)
	}

	disk := observability.NewDiskMonitor(cfg.DataDir, cfg.DiskWatermarkPercent, func(err error) {
		logger.Error("disk watermark exceeded, shutting down", zap.Error(err))
		cancel()
	}, logger)

	apiSrv := api.NewServer(cfg.API.Listen, st, b, mm.Handler(), stats, logger)

	boot := orchestrator.New(logger, stopTimeout)
	boot.Register("database", st.Start, st.Stop)
	boot.Register("certificate-store", certStore.Start, certStore.Stop)
	if cfg.Capture.Enabled {
		rules := netfilter.NewManager(cfg.Capture.Tcpdump.Interface, cfg.Capture.MitmProxy.Port, netfilter.ExecRunner{}, logger)
		boot.Register("packet-rules", rules.Start, rules.Stop)
	}
	boot.Register("session-tracker", tracker.Start, tracker.Stop)
	if cfg.Capture.Enabled {
		boot.Register("interceptor",
			func(ctx context.Context) error {
				if err := hook.Start(ctx); err != nil {
					return err
				}
				return proxy.Start(ctx)
			},
			func(ctx context.Context) error {
				perr := proxy.Stop(ctx)
				herr := hook.Stop(ctx)
				if perr != nil {
					return perr
				}
				return herr
			})
		if raw != nil {
			boot.Register("raw-capture", raw.Start, raw.Stop)
		}
		boot.Register("pcap-exporter",
			func(context.Context) error {
				return exporter.Start(fmt.Sprintf("session_%d.pcap", time.Now().Unix()))
			},
			func(context.Context) error {
				return exporter.Stop(monitor)
			})
		boot.Register("pcap-monitor", monitor.Start, monitor.Stop)
		if ap != nil {
			boot.Register("access-point", ap.Start, ap.Stop)
		}
	}
	boot.Register("disk-monitor", disk.Start, disk.Stop)
	boot.Register("api", apiSrv.Start, apiSrv.Stop)

	if err := boot.Start(ctx); err != nil {
		return err
	}

	go sampleGauges(runCtx, mm, tracker, b, ring)

	logger.Info("trafficd running",
		zap.String("api", cfg.API.Listen),
		zap.Int("intercept_port", cfg.Capture.MitmProxy.Port),
		zap.Int("analyzers", len(analyzers)))

	<-runCtx.Done()
	logger.Info("shutdown requested")
	boot.Stop()
	return nil
}

// sampleGauges refreshes the gauges that mirror live state into the metrics
// registry.
func sampleGauges(ctx context.Context, mm *observability.MetricsManager, tracker *session.Tracker, b *bus.Bus, ring *capture.RingBuffer) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	var lastDropped uint64
	for {
		select {
		case <-ticker.C:
			mm.SetLiveSessions(tracker.Count())
			mm.SetSubscribers(b.SubscriberCount())
			mm.SetRingBytes(int64(ring.Size()))
			if d := ring.Dropped(); d > lastDropped {
				mm.ObserveRingDrops(int(d - lastDropped))
				lastDropped = d
			}
		case <-ctx.Done():
			return
		}
	}
}

// meteredPublisher forwards events to the bus and mirrors the countable ones
// into the metrics registry.
type meteredPublisher struct {
	bus *bus.Bus
	mm  *observability.MetricsManager
}

func (p *meteredPublisher) Publish(eventType string, data any) {
	switch eventType {
	case bus.EventHTTPFlow:
		p.mm.ObserveFlow()
	case bus.EventFinding:
		if f, ok := data.(*model.Finding); ok {
			p.mm.ObserveFinding(string(f.Severity), f.Category)
		}
	case bus.EventTLSHandshakeFailed:
		p.mm.ObserveHandshakeFailure()
	}
	p.bus.Publish(eventType, data)
}

// dnsSubmitter feeds queries extracted from capture files into the DNS
// analyzers.
type dnsSubmitter struct {
	pipeline *analysis.Orchestrator
}

func (d *dnsSubmitter) SubmitDNS(q *model.DNSQuery) {
	d.pipeline.SubmitDNS(context.Background(), q)
}

// meteredDNSSink persists extracted query batches and counts them.
type meteredDNSSink struct {
	store *store.Store
	mm    *observability.MetricsManager
}

func (s *meteredDNSSink) StoreDNS(ctx context.Context, queries []*model.DNSQuery) error {
	s.mm.ObservePcapFile()
	s.mm.ObserveDNSQueries(len(queries))
	return s.store.StoreDNS(ctx, queries)
}
