// Package capture implements the packet export path: a bounded ring buffer
// with backpressure, a circuit breaker around the on-disk writer, the pcap
// exporter and monitor, and the supervisors for the external capture
// processes.
package capture

import "sync"

// fullWatermark is the fraction of capacity at which the ring buffer reports
// full. Deliberately below 1.0 so backpressure engages before data is lost.
const fullWatermark = 0.8

// RingBuffer is a fixed-capacity byte-chunk FIFO. When admission would
// exceed capacity the oldest chunks are dropped until the new chunk fits.
// A chunk larger than the whole capacity is rejected outright.
type RingBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	capacity int
	dropped  uint64
}

// NewRingBuffer returns a buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{capacity: capacity}
}

// Push admits a chunk, evicting oldest chunks as needed. Returns false only
// when the chunk alone exceeds capacity; the buffer is left unchanged then.
func (r *RingBuffer) Push(chunk []byte) bool {
	if len(chunk) > r.capacity {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.size+len(chunk) > r.capacity && len(r.chunks) > 0 {
		r.size -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		r.dropped++
	}

	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	return true
}

// Pop removes and returns the oldest chunk.
func (r *RingBuffer) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) == 0 {
		return nil, false
	}
	chunk := r.chunks[0]
	r.chunks[0] = nil
	r.chunks = r.chunks[1:]
	r.size -= len(chunk)
	return chunk, true
}

// Size returns the current byte total of buffered chunks.
func (r *RingBuffer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Len returns the number of buffered chunks.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Capacity returns the configured maximum byte total.
func (r *RingBuffer) Capacity() int { return r.capacity }

// Dropped returns the number of chunks evicted since creation.
func (r *RingBuffer) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// IsFull reports whether the buffer is at or above the backpressure
// watermark (0.8 x capacity, inclusive).
func (r *RingBuffer) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.size) >= fullWatermark*float64(r.capacity)
}
