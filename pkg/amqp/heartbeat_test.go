package amqp

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatIntervals(t *testing.T) {
	w, r := heartbeatIntervals(60, time.Second)
	if w != 60*time.Second || r != 120*time.Second {
		t.Fatalf("intervals: %v %v", w, r)
	}
}

func TestHeartbeatWriteIdle(t *testing.T) {
	var writes atomic.Int32
	var h *HeartbeatSupervisor
	h = NewHeartbeatSupervisor(10*time.Millisecond, time.Hour, func() {
		writes.Add(1)
		h.MarkWrite()
	}, func() {
		t.Errorf("read idle fired")
	})
	h.Start()
	h.Start()
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for writes.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("write idle fired %d times", writes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatReadIdleFiresOnce(t *testing.T) {
	var reads atomic.Int32
	h := NewHeartbeatSupervisor(time.Hour, 20*time.Millisecond, func() {}, func() { reads.Add(1) })
	h.Start()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not stop on read idle")
	}
	if reads.Load() != 1 {
		t.Fatalf("read idle fired %d times", reads.Load())
	}
	h.Stop()
}

func TestHeartbeatMarkReadDefersTimeout(t *testing.T) {
	var reads atomic.Int32
	h := NewHeartbeatSupervisor(time.Hour, 40*time.Millisecond, func() {}, func() { reads.Add(1) })
	h.Start()
	defer h.Stop()

	for i := 0; i < 20; i++ {
		h.MarkRead()
		time.Sleep(5 * time.Millisecond)
	}
	if reads.Load() != 0 {
		t.Fatalf("read idle fired despite traffic")
	}
}

func TestHeartbeatStopFromCallback(t *testing.T) {
	var h *HeartbeatSupervisor
	h = NewHeartbeatSupervisor(10*time.Millisecond, time.Hour, func() { h.Stop() }, func() {})
	h.Start()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop from callback did not end supervision")
	}
}
