package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
)

// rateWindow is the span used for the messages-per-second figure.
const rateWindow = time.Minute

// Stats keeps in-memory counters for display.
type Stats struct {
	messages       atomic.Int64
	bytes          atomic.Int64
	acceptFailures atomic.Int64
	readFailures   atomic.Int64
	owner          atomic.Bool
	pending        atomic.Int64
	active         atomic.Int64

	mu      sync.Mutex
	avgSize ewma.MovingAverage

	samples *SampleBuffer
	now     func() time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Messages          int64     `json:"messages"`
	Bytes             int64     `json:"bytes"`
	AcceptFailures    int64     `json:"accept_failures"`
	ReadFailures      int64     `json:"read_failures"`
	Owner             bool      `json:"owner"`
	PendingOperations int64     `json:"pending_operations"`
	ActiveStreams     int64     `json:"active_streams"`
	AvgMessageSize    float64   `json:"avg_message_size"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	LastMessage       time.Time `json:"last_message,omitempty"`
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{
		avgSize: ewma.NewMovingAverage(),
		samples: NewSampleBuffer(DefaultSampleCapacity),
		now:     time.Now,
	}
}

func (s *Stats) MessageReceived(size int) {
	s.messages.Add(1)
	s.bytes.Add(int64(size))

	s.mu.Lock()
	s.avgSize.Add(float64(size))
	s.mu.Unlock()

	s.samples.Push(Sample{Timestamp: s.now(), Size: size})
}

func (s *Stats) AcceptFailed() {
	s.acceptFailures.Add(1)
}

func (s *Stats) ReadFailed() {
	s.readFailures.Add(1)
}

func (s *Stats) OwnershipChanged(owner bool) {
	s.owner.Store(owner)
}

func (s *Stats) PendingOperations(n int) {
	s.pending.Store(int64(n))
}

func (s *Stats) ActiveStreams(n int) {
	s.active.Store(int64(n))
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	avg := s.avgSize.Value()
	s.mu.Unlock()

	recent := s.samples.Since(s.now().Add(-rateWindow))

	snap := StatsSnapshot{
		Messages:          s.messages.Load(),
		Bytes:             s.bytes.Load(),
		AcceptFailures:    s.acceptFailures.Load(),
		ReadFailures:      s.readFailures.Load(),
		Owner:             s.owner.Load(),
		PendingOperations: s.pending.Load(),
		ActiveStreams:     s.active.Load(),
		AvgMessageSize:    avg,
		MessagesPerSecond: float64(len(recent)) / rateWindow.Seconds(),
	}
	if latest, ok := s.samples.Latest(); ok {
		snap.LastMessage = latest.Timestamp
	}
	return snap
}
