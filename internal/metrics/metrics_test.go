package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSampleBuffer_PushAndEvict(t *testing.T) {
	buf := NewSampleBuffer(3)
	base := time.Now()

	for i := 0; i < 4; i++ {
		buf.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Size: i})
	}

	if buf.Len() != 3 {
		t.Fatalf("expected len 3 after eviction, got %d", buf.Len())
	}

	all := buf.Since(time.Time{})
	for i, s := range all {
		if s.Size != i+1 {
			t.Errorf("expected sample[%d].Size=%d, got %d", i, i+1, s.Size)
		}
	}

	latest, ok := buf.Latest()
	if !ok || latest.Size != 3 {
		t.Errorf("expected latest size 3, got %d (ok=%v)", latest.Size, ok)
	}
}

func TestSampleBuffer_IgnoresZeroTimestamp(t *testing.T) {
	buf := NewSampleBuffer(0)
	if buf.Cap() != DefaultSampleCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultSampleCapacity, buf.Cap())
	}

	buf.Push(Sample{Size: 10})
	if buf.Len() != 0 {
		t.Errorf("expected sample without timestamp to be dropped")
	}
	if _, ok := buf.Latest(); ok {
		t.Error("expected no latest sample")
	}
}

func TestSampleBuffer_Since(t *testing.T) {
	buf := NewSampleBuffer(10)
	base := time.Now()
	buf.Push(Sample{Timestamp: base.Add(-2 * time.Minute), Size: 1})
	buf.Push(Sample{Timestamp: base.Add(-30 * time.Second), Size: 2})
	buf.Push(Sample{Timestamp: base, Size: 3})

	recent := buf.Since(base.Add(-time.Minute))
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent samples, got %d", len(recent))
	}
	if recent[0].Size != 2 || recent[1].Size != 3 {
		t.Errorf("unexpected samples %+v", recent)
	}
}

func TestStats_Snapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStats()
	s.now = func() time.Time { return now }

	s.MessageReceived(100)
	s.MessageReceived(100)
	s.AcceptFailed()
	s.ReadFailed()
	s.ReadFailed()
	s.OwnershipChanged(true)
	s.PendingOperations(4)
	s.ActiveStreams(3)

	snap := s.Snapshot()
	if snap.Messages != 2 || snap.Bytes != 200 {
		t.Errorf("expected 2 messages / 200 bytes, got %d / %d", snap.Messages, snap.Bytes)
	}
	if snap.AcceptFailures != 1 || snap.ReadFailures != 2 {
		t.Errorf("unexpected failure counts %+v", snap)
	}
	if !snap.Owner || snap.PendingOperations != 4 || snap.ActiveStreams != 3 {
		t.Errorf("unexpected gauges %+v", snap)
	}
	if math.Abs(snap.AvgMessageSize-100) > 0.001 {
		t.Errorf("expected average size 100, got %f", snap.AvgMessageSize)
	}
	if math.Abs(snap.MessagesPerSecond-2.0/60.0) > 0.0001 {
		t.Errorf("expected rate 2/60, got %f", snap.MessagesPerSecond)
	}
	if !snap.LastMessage.Equal(now) {
		t.Errorf("expected last message at %v, got %v", now, snap.LastMessage)
	}
}

func TestStats_Concurrent(t *testing.T) {
	s := NewStats()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.MessageReceived(10)
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().Messages; got != 800 {
		t.Errorf("expected 800 messages, got %d", got)
	}
}

func TestPrometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "orders")

	p.MessageReceived(5)
	p.MessageReceived(7)
	p.AcceptFailed()
	p.ReadFailed()
	p.OwnershipChanged(true)
	p.PendingOperations(2)
	p.ActiveStreams(1)

	if got := testutil.ToFloat64(p.messages); got != 2 {
		t.Errorf("expected 2 messages, got %f", got)
	}
	if got := testutil.ToFloat64(p.bytes); got != 12 {
		t.Errorf("expected 12 bytes, got %f", got)
	}
	if got := testutil.ToFloat64(p.acceptFailures); got != 1 {
		t.Errorf("expected 1 accept failure, got %f", got)
	}
	if got := testutil.ToFloat64(p.owner); got != 1 {
		t.Errorf("expected owner gauge 1, got %f", got)
	}
	p.OwnershipChanged(false)
	if got := testutil.ToFloat64(p.owner); got != 0 {
		t.Errorf("expected owner gauge 0, got %f", got)
	}

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 7 {
		t.Errorf("expected 7 metrics, got %d", count)
	}
}

func TestMulti(t *testing.T) {
	if _, ok := Multi().(Nop); !ok {
		t.Error("expected Nop for no recorders")
	}

	a, b := NewStats(), NewStats()
	if Multi(a, nil) != Recorder(a) {
		t.Error("expected single recorder to be returned unwrapped")
	}

	m := Multi(a, b)
	m.MessageReceived(3)
	m.AcceptFailed()
	if a.Snapshot().Messages != 1 || b.Snapshot().Messages != 1 {
		t.Error("expected both recorders to receive the message")
	}
	if a.Snapshot().AcceptFailures != 1 || b.Snapshot().AcceptFailures != 1 {
		t.Error("expected both recorders to count the failure")
	}
}
