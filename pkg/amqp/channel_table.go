package amqp

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChannelTable maps channel ids to channels and tracks ids awaiting a
// Channel.Close-Ok. Structural changes and the blocked transition share one
// mutex so a channel added after BlockAll still observes the block.
type ChannelTable struct {
	mu              sync.Mutex
	channels        map[uint16]Channel
	awaitingCloseOk map[uint16]time.Time
	blocked         atomic.Bool
	sealed          bool

	// ignoreAll reports whether the owning connection only accepts
	// Connection.Close-Ok. May be nil.
	ignoreAll func() bool
	now       func() time.Time
}

// NewChannelTable returns an empty table. ignoreAll may be nil.
func NewChannelTable(ignoreAll func() bool) *ChannelTable {
	return &ChannelTable{
		channels:        map[uint16]Channel{},
		awaitingCloseOk: map[uint16]time.Time{},
		ignoreAll:       ignoreAll,
		now:             time.Now,
	}
}

// Add registers ch and blocks it if the table is blocked. It reports false
// once the table is sealed; ch is then not registered and the caller closes
// it.
func (t *ChannelTable) Add(ch Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.channels[ch.ID()] = ch
	if t.blocked.Load() {
		ch.Block()
	}
	return true
}

// Take removes id and returns its channel, or nil if it was not registered.
// It is the table's remove operation: the caller owns closing the returned
// channel.
func (t *ChannelTable) Take(id uint16) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		return nil
	}
	delete(t.channels, id)
	return ch
}

// Get returns the channel for id, or nil if it is absent or closing.
func (t *ChannelTable) Get(id uint16) Channel {
	t.mu.Lock()
	ch := t.channels[id]
	t.mu.Unlock()
	if ch == nil || ch.IsClosing() {
		return nil
	}
	return ch
}

// Registered reports whether id has an entry, closing or not.
func (t *ChannelTable) Registered(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.channels[id]
	return ok
}

// Len returns the number of registered channels.
func (t *ChannelTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Snapshot returns the registered channels in no particular order.
func (t *ChannelTable) Snapshot() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// Drain removes every channel and returns them. Each channel is returned by
// exactly one Drain, Seal or Take.
func (t *ChannelTable) Drain() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drainLocked()
}

// Seal drains the table and makes every later Add fail.
func (t *ChannelTable) Seal() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return t.drainLocked()
}

func (t *ChannelTable) drainLocked() []Channel {
	out := make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	t.channels = map[uint16]Channel{}
	return out
}

// MarkAwaitingCloseOk records that a close was sent for id.
func (t *ChannelTable) MarkAwaitingCloseOk(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.awaitingCloseOk[id] = t.now()
}

// ClearAwaitingCloseOk forgets id and reports how long it waited.
func (t *ChannelTable) ClearAwaitingCloseOk(id uint16) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.awaitingCloseOk[id]
	if !ok {
		return 0, false
	}
	delete(t.awaitingCloseOk, id)
	return t.now().Sub(since), true
}

// IsAwaitingClosure is true when the connection ignores everything but
// Close-Ok or id is waiting for its Channel.Close-Ok.
func (t *ChannelTable) IsAwaitingClosure(id uint16) bool {
	if t.ignoreAll != nil && t.ignoreAll() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.awaitingCloseOk[id]
	return ok
}

// BlockAll marks the table blocked and blocks every registered channel. Only
// the first call has an effect.
func (t *ChannelTable) BlockAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.blocked.CompareAndSwap(false, true) {
		return
	}
	for _, ch := range t.channels {
		ch.Block()
	}
}

// Blocked reports whether BlockAll has been called.
func (t *ChannelTable) Blocked() bool { return t.blocked.Load() }
