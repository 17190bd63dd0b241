package metrics

import (
	"sync"
	"time"
)

// DefaultSampleCapacity is the default number of message samples kept.
const DefaultSampleCapacity = 4096

// Sample is one delivered message.
type Sample struct {
	Timestamp time.Time
	Size      int
}

// SampleBuffer is a fixed-size ring of message samples.
// It is thread-safe and evicts the oldest sample when full.
type SampleBuffer struct {
	data     []Sample
	capacity int
	head     int // Next write position
	size     int
	mu       sync.RWMutex
}

// NewSampleBuffer creates a buffer holding up to capacity samples.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = DefaultSampleCapacity
	}
	return &SampleBuffer{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

// Push adds a sample, evicting the oldest if at capacity.
// Samples without a timestamp are ignored.
func (b *SampleBuffer) Push(s Sample) {
	if s.Timestamp.IsZero() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = s
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Since returns samples at or after since, oldest first.
func (b *SampleBuffer) Since(since time.Time) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}

	oldest := (b.head - b.size + b.capacity) % b.capacity
	var result []Sample
	for i := 0; i < b.size; i++ {
		s := b.data[(oldest+i)%b.capacity]
		if !s.Timestamp.Before(since) {
			result = append(result, s)
		}
	}
	return result
}

// Latest returns the most recent sample.
func (b *SampleBuffer) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return Sample{}, false
	}
	return b.data[(b.head-1+b.capacity)%b.capacity], true
}

// Len returns the number of samples held.
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *SampleBuffer) Cap() int {
	return b.capacity
}
