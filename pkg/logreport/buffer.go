package logreport

import "sync"

// MinBufferCapacity is the floor applied to configured buffer sizes.
const MinBufferCapacity = 100

// Buffer is a bounded thread-safe FIFO of log records. Overflow drops the
// oldest entry.
type Buffer struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

// NewBuffer builds a buffer holding at least MinBufferCapacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity < MinBufferCapacity {
		capacity = MinBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Capacity returns the effective capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Add appends a record, evicting the oldest when full.
func (b *Buffer) Add(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.capacity {
		b.records = b.records[1:]
	}
	b.records = append(b.records, r)
}

// Snapshot copies the buffer oldest-to-newest without consuming it.
func (b *Buffer) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// PeekBatch copies up to n records from the head without consuming them.
func (b *Buffer) PeekBatch(n int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.records) {
		n = len(b.records)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Record, n)
	copy(out, b.records[:n])
	return out
}

// RemoveBatch discards up to n records from the head.
func (b *Buffer) RemoveBatch(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.records) {
		n = len(b.records)
	}
	if n <= 0 {
		return
	}
	b.records = append([]Record(nil), b.records[n:]...)
}

// Clear discards everything.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}
