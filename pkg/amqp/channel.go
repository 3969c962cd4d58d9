package amqp

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	methodChannelFlow   = 20
	methodChannelFlowOk = 21
)

// ConnContext provides connection-scoped helpers for channels and factories.
// Writes go through the owning connection and are serialized with every
// other outbound frame.
type ConnContext struct {
	ID          string
	RemoteAddr  net.Addr
	Namespace   NamespaceName
	TLSState    *tls.ConnectionState
	WriteMethod func(channel uint16, classID, methodID uint16, args []byte) error
	WriteFrame  func(f Frame) error
	// Closing reports whether the transport has started tearing down. May be
	// nil.
	Closing func() bool
	// CloseConnection starts a server initiated Connection.Close.
	CloseConnection func(replyCode uint16, replyText string) error
}

// Channel is the per-channel protocol state owned by a ChannelTable.
type Channel interface {
	ID() uint16
	// Close releases the channel. It is synchronous and called at most once
	// by the connection.
	Close() error
	// Block tells the channel the connection is blocked.
	Block()
	// ReceivedComplete signals that no more inbound frames will arrive.
	ReceivedComplete() error
	IsClosing() bool
	// Deliver hands an application frame to the channel. Returning a
	// *ChannelException closes only this channel; any other error closes
	// the connection.
	Deliver(f Frame) error
}

// ChannelFactory builds the Channel for an admitted channel.open.
type ChannelFactory interface {
	NewChannel(ctx ConnContext, id uint16) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(ctx ConnContext, id uint16) (Channel, error)

func (f ChannelFactoryFunc) NewChannel(ctx ConnContext, id uint16) (Channel, error) {
	return f(ctx, id)
}

// ConnCloseNotifier is implemented by factories that hold per-connection
// resources. ConnClosed runs once, after the transport has been closed.
type ConnCloseNotifier interface {
	ConnClosed(ctx ConnContext)
}

// openNotifier is implemented by channels that must not emit frames before
// Channel.Open-Ok has been written.
type openNotifier interface {
	Opened()
}

// FrameHandler processes application frames for a ServerChannel.
type FrameHandler func(ctx ConnContext, channel uint16, f Frame) error

// ServerChannel is the default Channel. Application frames go to an
// optional FrameHandler; blocking is announced to the client with
// Channel.Flow(active=false).
type ServerChannel struct {
	id      uint16
	ctx     ConnContext
	handler FrameHandler
	log     zerolog.Logger

	mu      sync.Mutex
	opened  bool
	flowOff bool

	closing atomic.Bool
	blocked atomic.Bool
}

// NewServerChannel creates a ServerChannel. handler may be nil, in which
// case every application method is answered with not-implemented.
func NewServerChannel(ctx ConnContext, id uint16, handler FrameHandler) *ServerChannel {
	return &ServerChannel{
		id:      id,
		ctx:     ctx,
		handler: handler,
		log:     logger.With().Str("conn", ctx.ID).Uint16("chan", id).Logger(),
	}
}

// ServerChannels returns a ChannelFactory producing ServerChannels that use
// handler.
func ServerChannels(handler FrameHandler) ChannelFactory {
	return ChannelFactoryFunc(func(ctx ConnContext, id uint16) (Channel, error) {
		return NewServerChannel(ctx, id, handler), nil
	})
}

func (c *ServerChannel) ID() uint16 { return c.id }

func (c *ServerChannel) Close() error {
	if c.closing.CompareAndSwap(false, true) {
		c.log.Debug().Msg("channel closed")
	}
	return nil
}

func (c *ServerChannel) Block() {
	if !c.blocked.CompareAndSwap(false, true) {
		return
	}
	c.log.Debug().Msg("channel blocked")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		c.sendFlowOffLocked()
	}
}

// Opened is called once Channel.Open-Ok has been written.
func (c *ServerChannel) Opened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	if c.blocked.Load() {
		c.sendFlowOffLocked()
	}
}

func (c *ServerChannel) sendFlowOffLocked() {
	if c.flowOff || c.ctx.WriteMethod == nil {
		return
	}
	c.flowOff = true
	if err := c.ctx.WriteMethod(c.id, classChannel, methodChannelFlow, []byte{0}); err != nil {
		c.log.Error().Err(err).Msg("write channel.flow error")
	}
}

// Blocked reports whether Block has been called.
func (c *ServerChannel) Blocked() bool { return c.blocked.Load() }

func (c *ServerChannel) ReceivedComplete() error { return nil }

func (c *ServerChannel) IsClosing() bool { return c.closing.Load() }

func (c *ServerChannel) Deliver(f Frame) error {
	if c.closing.Load() {
		return nil
	}
	if f.Type == frameMethod {
		classID, methodID, _, err := ParseMethod(f.Payload)
		if err != nil {
			return &ChannelException{Code: FrameError, Reason: err.Error()}
		}
		if classID == classChannel && methodID == methodChannelFlowOk {
			return nil
		}
		if c.handler == nil {
			return &ChannelException{Code: NotImplemented, Reason: "method not implemented"}
		}
	}
	if c.handler == nil {
		return nil
	}
	return c.handler(c.ctx, c.id, f)
}
