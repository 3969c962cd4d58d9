package amqp

import (
	"sync"
	"sync/atomic"
	"time"
)

// HeartbeatSupervisor watches read and write idle time on a connection.
// After writeIdle without outbound traffic it calls onWriteIdle (send a
// heartbeat); after readIdle without inbound traffic it calls onReadIdle once
// and stops.
type HeartbeatSupervisor struct {
	writeIdle   time.Duration
	readIdle    time.Duration
	onWriteIdle func()
	onReadIdle  func()

	lastRead  atomic.Int64
	lastWrite atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHeartbeatSupervisor creates a stopped supervisor.
func NewHeartbeatSupervisor(writeIdle, readIdle time.Duration, onWriteIdle, onReadIdle func()) *HeartbeatSupervisor {
	h := &HeartbeatSupervisor{
		writeIdle:   writeIdle,
		readIdle:    readIdle,
		onWriteIdle: onWriteIdle,
		onReadIdle:  onReadIdle,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	now := time.Now().UnixNano()
	h.lastRead.Store(now)
	h.lastWrite.Store(now)
	return h
}

// heartbeatIntervals returns the write and read idle timeouts for a
// negotiated heartbeat, measured in unit (time.Second on the wire).
func heartbeatIntervals(seconds uint16, unit time.Duration) (time.Duration, time.Duration) {
	d := time.Duration(seconds) * unit
	return d, 2 * d
}

// Start launches the supervising goroutine. Extra calls are ignored.
func (h *HeartbeatSupervisor) Start() {
	h.startOnce.Do(func() {
		now := time.Now().UnixNano()
		h.lastRead.Store(now)
		h.lastWrite.Store(now)
		go h.run()
	})
}

// MarkRead records inbound traffic.
func (h *HeartbeatSupervisor) MarkRead() { h.lastRead.Store(time.Now().UnixNano()) }

// MarkWrite records outbound traffic.
func (h *HeartbeatSupervisor) MarkWrite() { h.lastWrite.Store(time.Now().UnixNano()) }

// Stop ends supervision. It is safe to call from the idle callbacks.
func (h *HeartbeatSupervisor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed when the supervising goroutine has exited.
func (h *HeartbeatSupervisor) Done() <-chan struct{} { return h.done }

func (h *HeartbeatSupervisor) run() {
	defer close(h.done)
	timer := time.NewTimer(minDuration(h.writeIdle, h.readIdle))
	defer timer.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-timer.C:
		}
		now := time.Now()
		sinceRead := now.Sub(time.Unix(0, h.lastRead.Load()))
		if sinceRead >= h.readIdle {
			h.Stop()
			h.onReadIdle()
			return
		}
		sinceWrite := now.Sub(time.Unix(0, h.lastWrite.Load()))
		if sinceWrite >= h.writeIdle {
			last := h.lastWrite.Load()
			h.onWriteIdle()
			// a failed write must not leave the timer spinning
			h.lastWrite.CompareAndSwap(last, now.UnixNano())
			sinceWrite = 0
		}
		timer.Reset(minDuration(h.readIdle-sinceRead, h.writeIdle-sinceWrite))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
