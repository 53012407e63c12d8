package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// ExporterState is the lifecycle state of the pcap exporter.
type ExporterState string

const (
	StateIdle    ExporterState = "idle"
	StateWriting ExporterState = "writing"
	StateStopped ExporterState = "stopped"
)

const snapLen = 65536

// Exporter drains the ring buffer into an on-disk pcap writer. Admission is
// refused while the circuit is open or backpressure is active; writer
// failures feed the circuit breaker.
type Exporter struct {
	outputDir string
	buf       *RingBuffer
	bp        *Backpressure
	breaker   *CircuitBreaker
	logger    *zap.Logger

	mu    sync.Mutex
	state ExporterState
	file  *os.File
	w     *pcapgo.Writer
	path  string
}

// NewExporter wires the exporter to its buffer, backpressure controller and
// circuit breaker.
func NewExporter(outputDir string, buf *RingBuffer, bp *Backpressure, breaker *CircuitBreaker, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		outputDir: outputDir,
		buf:       buf,
		bp:        bp,
		breaker:   breaker,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (e *Exporter) State() ExporterState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Path returns the file the exporter is writing, or "".
func (e *Exporter) Path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

// Start opens a pcap writer under the output directory and transitions to
// Writing. The directory is created with owner-only permissions if missing.
func (e *Exporter) Start(filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateWriting {
		return fmt.Errorf("exporter already writing to %s", e.path)
	}
	if err := os.MkdirAll(e.outputDir, 0o700); err != nil {
		return fmt.Errorf("create pcap output dir: %w", err)
	}

	path := filepath.Join(e.outputDir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open pcap file: %w", err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}

	e.file = f
	e.w = w
	e.path = path
	e.state = StateWriting
	e.logger.Info("pcap export started", zap.String("path", path))
	return nil
}

// Export admits one chunk. Returns false when the circuit is open, when
// backpressure is active, or when the exporter is not writing. Otherwise the
// chunk is pushed into the ring buffer and one chunk is drained to disk.
func (e *Exporter) Export(chunk []byte) bool {
	if e.breaker.ShouldOpen() {
		return false
	}
	if e.bp.ShouldPause() {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateWriting {
		return false
	}

	if !e.buf.Push(chunk) {
		return false
	}
	next, ok := e.buf.Pop()
	if !ok {
		return true
	}
	if err := e.writeLocked(next); err != nil {
		e.breaker.RecordFailure()
		e.logger.Error("pcap write failed", zap.Error(err),
			zap.Int("consecutive_failures", e.breaker.ConsecutiveFailures()))
		return false
	}
	e.breaker.RecordSuccess()
	return true
}

func (e *Exporter) writeLocked(chunk []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(chunk),
		Length:        len(chunk),
	}
	return e.w.WritePacket(ci, chunk)
}

// PostProcessor receives the closed capture file for DNS extraction.
type PostProcessor interface {
	ProcessFile(path string)
}

// Stop drains remaining chunks, closes the writer and transitions to
// Stopped. When a monitor is given and the output file exists, one
// post-processing pass over it is scheduled.
func (e *Exporter) Stop(monitor PostProcessor) error {
	e.mu.Lock()

	if e.state != StateWriting {
		e.state = StateStopped
		e.mu.Unlock()
		return nil
	}

	for {
		chunk, ok := e.buf.Pop()
		if !ok {
			break
		}
		if err := e.writeLocked(chunk); err != nil {
			e.logger.Warn("drain write failed, discarding remaining chunks", zap.Error(err))
			break
		}
	}

	path := e.path
	err := e.file.Close()
	e.file = nil
	e.w = nil
	e.state = StateStopped
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close pcap file: %w", err)
	}
	e.logger.Info("pcap export stopped", zap.String("path", path))

	if monitor != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			go monitor.ProcessFile(path)
		}
	}
	return nil
}
