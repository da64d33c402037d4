package logging

import (
	"sync"
	"time"
)

// Entry is one log record kept in the in-memory tail.
type Entry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	DeviceID   string         `json:"device_id,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer is a thread-safe circular buffer of log entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	seq     uint64
}

// NewRingBuffer returns a buffer holding the last size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Write stores entry, overwriting the oldest one when full, and returns it
// with its sequence number assigned.
func (rb *RingBuffer) Write(entry Entry) Entry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.seq++
	entry.Seq = rb.seq
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
	return entry
}

// ReadAll returns the buffered entries oldest first.
func (rb *RingBuffer) ReadAll() []Entry {
	return rb.Filter(nil)
}

// Filter returns the buffered entries accepted by keep, oldest first. A nil
// keep accepts everything.
func (rb *RingBuffer) Filter(keep func(Entry) bool) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}

	start := 0
	if rb.count == len(rb.entries) {
		// Full: the oldest entry sits at head.
		start = rb.head
	}
	out := make([]Entry, 0, rb.count)
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(start+i)%len(rb.entries)]
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of buffered entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
