package capture

import (
	"sync"

	"go.uber.org/zap"
)

// Backpressure derives a pause/resume signal for the capture source from the
// ring buffer's watermark. Exactly one warning is emitted on the rising edge
// and one resume notice on the falling edge.
type Backpressure struct {
	buf    *RingBuffer
	logger *zap.Logger

	mu     sync.Mutex
	paused bool

	// Optional edge callbacks, invoked outside the hot path lock would be
	// nicer but pause transitions are rare; callers must not block.
	OnPause  func()
	OnResume func()
}

// NewBackpressure observes buf and reports pause state transitions.
func NewBackpressure(buf *RingBuffer, logger *zap.Logger) *Backpressure {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backpressure{buf: buf, logger: logger}
}

// ShouldPause evaluates the buffer watermark and returns true while the
// producer should suspend admission of new chunks.
func (b *Backpressure) ShouldPause() bool {
	full := b.buf.IsFull()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case full && !b.paused:
		b.paused = true
		b.logger.Warn("capture buffer above watermark, pausing producer",
			zap.Int("size", b.buf.Size()),
			zap.Int("capacity", b.buf.Capacity()))
		if b.OnPause != nil {
			b.OnPause()
		}
	case !full && b.paused:
		b.paused = false
		b.logger.Info("capture buffer drained below watermark, resuming producer",
			zap.Int("size", b.buf.Size()))
		if b.OnResume != nil {
			b.OnResume()
		}
	}
	return b.paused
}
