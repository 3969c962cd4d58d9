package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnState is the handshake state of a connection.
type ConnState int

const (
	StateInit ConnState = iota
	StateAwaitStartOk
	StateAwaitSecureOk
	StateAwaitTuneOk
	StateAwaitOpen
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitStartOk:
		return "AWAIT_START_OK"
	case StateAwaitSecureOk:
		return "AWAIT_SECURE_OK"
	case StateAwaitTuneOk:
		return "AWAIT_TUNE_OK"
	case StateAwaitOpen:
		return "AWAIT_OPEN"
	case StateOpen:
		return "OPEN"
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Defaults proposed in Connection.Tune.
const (
	DefaultMaxChannels      = 64
	DefaultMaxFrameSize     = 4 * 1024 * 1024
	DefaultHeartbeatSeconds = 60
	DefaultTenant           = "public"
)

// ConnectionConfig holds the per-connection settings recognized at
// construction.
type ConnectionConfig struct {
	// MaxChannels is the channel-max proposed in Tune (1..0xFFFF).
	MaxChannels int
	// MaxFrameSize is the frame-max proposed in Tune; 0 means unlimited.
	MaxFrameSize int
	// HeartbeatSeconds is the heartbeat proposed in Tune; 0 disables it.
	HeartbeatSeconds int
	// Tenant prefixes every namespace.
	Tenant string

	// Mechanisms and Locales are advertised in Start (space separated).
	Mechanisms string
	Locales    string

	// Namespaces validates virtual hosts on Open. nil accepts any name.
	Namespaces NamespaceResolver
	// Channels builds channels. nil uses ServerChannels(nil).
	Channels ChannelFactory
	Metrics  *Metrics
}

// DefaultConnectionConfig returns the configuration used when nothing else
// is specified.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxChannels:      DefaultMaxChannels,
		MaxFrameSize:     DefaultMaxFrameSize,
		HeartbeatSeconds: DefaultHeartbeatSeconds,
		Tenant:           DefaultTenant,
	}
}

// Validate checks the tuning bounds.
func (c ConnectionConfig) Validate() error {
	if c.MaxChannels <= 0 || c.MaxChannels > ChannelMaxCeiling {
		return fmt.Errorf("max channels must be in 1..%d, got %d", ChannelMaxCeiling, c.MaxChannels)
	}
	if c.MaxFrameSize != 0 && (c.MaxFrameSize < FrameOverhead || c.MaxFrameSize > math.MaxInt32) {
		return fmt.Errorf("max frame size must be 0 or in %d..%d, got %d", FrameOverhead, math.MaxInt32, c.MaxFrameSize)
	}
	if c.HeartbeatSeconds < 0 || c.HeartbeatSeconds > math.MaxUint16 {
		return fmt.Errorf("heartbeat must be in 0..%d seconds, got %d", math.MaxUint16, c.HeartbeatSeconds)
	}
	if c.Tenant == "" {
		return errors.New("tenant must not be empty")
	}
	return nil
}

// Connection is the server side of one AMQP connection. Inbound events must
// be delivered by a single goroutine through Dispatch (or the Receive
// methods); Close, Block, SendConnectionClose and OnExceptionCaught may be
// called from any goroutine.
type Connection struct {
	id        string
	cfg       ConnectionConfig
	sink      FrameSink
	transport io.Closer
	remote    net.Addr
	tlsState  *tls.ConnectionState
	log       zerolog.Logger
	table     *ChannelTable

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the dispatching goroutine
	state        ConnState
	version      ProtocolVersion
	maxChannels  int
	maxFrameSize int
	heartbeat    int
	tuned        bool
	namespace    NamespaceName
	client       StartOk

	registry        atomic.Pointer[MethodRegistry]
	currentClassID  atomic.Uint32
	currentMethodID atomic.Uint32
	orderlyClose    atomic.Bool
	active          atomic.Bool
	hb              atomic.Pointer[HeartbeatSupervisor]
	heartbeatUnit   time.Duration

	writeMu sync.Mutex
	closed  chan struct{}
}

// NewConnection creates a connection in StateInit writing to sink. Closing
// the connection closes transport.
func NewConnection(transport io.Closer, sink FrameSink, cfg ConnectionConfig) *Connection {
	if cfg.Mechanisms == "" {
		cfg.Mechanisms = "PLAIN"
	}
	if cfg.Locales == "" {
		cfg.Locales = "en_US"
	}
	if cfg.Channels == nil {
		cfg.Channels = ServerChannels(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:            uuid.NewString(),
		cfg:           cfg,
		sink:          sink,
		transport:     transport,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateInit,
		version:       Version091,
		maxChannels:   cfg.MaxChannels,
		maxFrameSize:  cfg.MaxFrameSize,
		heartbeat:     cfg.HeartbeatSeconds,
		heartbeatUnit: time.Second,
		closed:        make(chan struct{}),
	}
	c.registry.Store(NewMethodRegistry(Version091))
	c.table = NewChannelTable(c.IgnoreAllButCloseOk)
	if ra, ok := transport.(interface{ RemoteAddr() net.Addr }); ok {
		c.remote = ra.RemoteAddr()
	}
	lc := logger.With().Str("conn", c.id)
	if c.remote != nil {
		lc = lc.Str("remote", c.remote.String())
	}
	c.log = lc.Logger()
	return c
}

// ID returns the connection id used in logs and ConnContext.
func (c *Connection) ID() string { return c.id }

// OnActive marks the transport as established.
func (c *Connection) OnActive() {
	if c.active.CompareAndSwap(false, true) {
		c.cfg.Metrics.connectionOpened()
		c.log.Info().Msg("connection active")
	}
}

// OnExceptionCaught logs a transport or codec failure and tears the
// connection down.
func (c *Connection) OnExceptionCaught(cause error) {
	c.log.Error().Err(cause).Msg("got exception")
	c.Close()
}

// IsActive reports whether the transport is still open.
func (c *Connection) IsActive() bool { return c.active.Load() }

// Done is closed once the transport has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// State returns the handshake state. Read it from the dispatching goroutine
// or after Done.
func (c *Connection) State() ConnState { return c.state }

// ProtocolVersion returns the negotiated protocol version.
func (c *Connection) ProtocolVersion() ProtocolVersion { return c.version }

// MaxChannels returns the proposed, then negotiated, channel-max.
func (c *Connection) MaxChannels() int { return c.maxChannels }

// MaxFrameSize returns the proposed, then negotiated, frame-max.
func (c *Connection) MaxFrameSize() int { return c.maxFrameSize }

// HeartbeatSeconds returns the proposed, then negotiated, heartbeat.
func (c *Connection) HeartbeatSeconds() int { return c.heartbeat }

// Namespace returns the namespace bound by Open, zero before.
func (c *Connection) Namespace() NamespaceName { return c.namespace }

// ClientProperties returns the properties sent in Start-Ok.
func (c *Connection) ClientProperties() map[string]interface{} { return c.client.ClientProperties }

// Channel returns an open channel, nil if absent or closing.
func (c *Connection) Channel(id uint16) Channel { return c.table.Get(id) }

// IgnoreAllButCloseOk reports whether an orderly close is in progress.
func (c *Connection) IgnoreAllButCloseOk() bool { return c.orderlyClose.Load() }

// Block blocks every current and future channel of this connection.
func (c *Connection) Block() { c.table.BlockAll() }

// frameLimit bounds inbound frames: the negotiated frame-max once tuned.
func (c *Connection) frameLimit() uint32 {
	if !c.tuned || c.maxFrameSize <= 0 {
		return MaxFrameSize
	}
	return uint32(c.maxFrameSize)
}

func (c *Connection) setTLSState(st *tls.ConnectionState) { c.tlsState = st }

func (c *Connection) connContext() ConnContext {
	return ConnContext{
		ID:         c.id,
		RemoteAddr: c.remote,
		Namespace:  c.namespace,
		TLSState:   c.tlsState,
		WriteMethod: func(ch, cid, mid uint16, a []byte) error {
			return c.writeFrame(methodFrame(ch, cid, mid, a))
		},
		WriteFrame: c.writeFrame,
		Closing:    func() bool { return !c.active.Load() },
		CloseConnection: func(code uint16, text string) error {
			return c.SendConnectionClose(code, text, 0)
		},
	}
}

func (c *Connection) setCurrentMethod(classID, methodID uint16) {
	c.currentClassID.Store(uint32(classID))
	c.currentMethodID.Store(uint32(methodID))
}

// Dispatch routes one decoded event. Events other than Close-Ok are dropped
// while an orderly close is in progress. A returned *ConnectionError has
// already been answered with Connection.Close.
func (c *Connection) Dispatch(ev Event) error {
	if hb := c.hb.Load(); hb != nil {
		hb.MarkRead()
	}
	switch e := ev.(type) {
	case ProtocolHeader:
		return c.ReceiveProtocolHeader(e)
	case StartOk:
		return c.ReceiveConnectionStartOk(e)
	case SecureOk:
		return c.ReceiveConnectionSecureOk(e)
	case TuneOk:
		return c.ReceiveConnectionTuneOk(e)
	case Open:
		return c.ReceiveConnectionOpen(e)
	case Close:
		return c.ReceiveConnectionClose(e)
	case CloseOk:
		return c.ReceiveConnectionCloseOk()
	case ChannelOpen:
		return c.ReceiveChannelOpen(e)
	case ChannelClose:
		return c.ReceiveChannelClose(e)
	case ChannelCloseOk:
		return c.ReceiveChannelCloseOk(e)
	case Heartbeat:
		return c.ReceiveHeartbeat()
	case ChannelFrame:
		return c.ReceiveChannelFrame(e.Frame)
	}
	return fmt.Errorf("amqp: unknown event %T", ev)
}

// run executes one receive handler. It is the single place where a
// connection-level fault is turned into a Connection.Close.
func (c *Connection) run(classID, methodID uint16, fn func() error) error {
	if c.IgnoreAllButCloseOk() {
		c.log.Debug().Int("class", int(classID)).Int("method", int(methodID)).Msg("ignoring method while closing")
		return nil
	}
	c.setCurrentMethod(classID, methodID)
	err := fn()
	var ce *ConnectionError
	if errors.As(err, &ce) {
		c.log.Error().Err(err).Uint16("chan", ce.Channel).Str("state", c.state.String()).Msg("closing connection")
		if cerr := c.SendConnectionClose(ce.Code, ce.Reason, ce.Channel); cerr != nil {
			c.log.Error().Err(cerr).Msg("error completing channels during close")
		}
	}
	return err
}

func (c *Connection) assertState(required ConnState) error {
	if c.state != required {
		return newConnectionError(ErrSequenceViolation, CommandInvalid, 0,
			"Command Invalid, expected %s but was %s", required, c.state)
	}
	return nil
}

// ReceiveProtocolHeader validates the protocol version and sends Start. An
// unsupported version is logged and leaves the connection in StateInit.
func (c *Connection) ReceiveProtocolHeader(h ProtocolHeader) error {
	return c.run(0, 0, func() error {
		c.log.Debug().Uint8("major", h.Major).Uint8("minor", h.Minor).Uint8("revision", h.Revision).Msg("recv protocol header")
		if err := c.assertState(StateInit); err != nil {
			return err
		}
		v, err := h.Version()
		if err != nil {
			c.log.Error().Err(err).Msg("received unsupported protocol initiation")
			return err
		}
		c.version = v
		reg := NewMethodRegistry(v)
		c.registry.Store(reg)
		if err := c.writeFrame(reg.ConnectionStart(c.cfg.Mechanisms, c.cfg.Locales)); err != nil {
			return err
		}
		c.state = StateAwaitStartOk
		return nil
	})
}

// ReceiveConnectionStartOk answers with an empty Secure challenge. No
// authentication is performed.
func (c *Connection) ReceiveConnectionStartOk(ev StartOk) error {
	return c.run(classConnection, methodConnStartOk, func() error {
		c.log.Debug().Str("mechanism", ev.Mechanism).Str("locale", ev.Locale).Interface("client_properties", ev.ClientProperties).Msg("recv connection.start-ok")
		if err := c.assertState(StateAwaitStartOk); err != nil {
			return err
		}
		c.client = ev
		if err := c.writeFrame(c.registry.Load().ConnectionSecure(nil)); err != nil {
			return err
		}
		c.state = StateAwaitSecureOk
		return nil
	})
}

// ReceiveConnectionSecureOk proposes the server tuning parameters.
func (c *Connection) ReceiveConnectionSecureOk(ev SecureOk) error {
	return c.run(classConnection, methodConnSecureOk, func() error {
		c.log.Debug().Int("response_len", len(ev.Response)).Msg("recv connection.secure-ok")
		if err := c.assertState(StateAwaitSecureOk); err != nil {
			return err
		}
		tune := c.registry.Load().ConnectionTune(uint16(c.maxChannels), uint32(c.maxFrameSize), uint16(c.heartbeat))
		if err := c.writeFrame(tune); err != nil {
			return err
		}
		c.state = StateAwaitTuneOk
		return nil
	})
}

// ReceiveConnectionTuneOk merges the client's tuning and, when a heartbeat
// was negotiated, installs the heartbeat supervisor.
func (c *Connection) ReceiveConnectionTuneOk(ev TuneOk) error {
	return c.run(classConnection, methodConnTuneOk, func() error {
		c.log.Debug().Uint32("channel_max", ev.ChannelMax).Uint64("frame_max", ev.FrameMax).Uint16("heartbeat", ev.Heartbeat).Msg("recv connection.tune-ok")
		if err := c.assertState(StateAwaitTuneOk); err != nil {
			return err
		}
		if err := c.applyTuning(ev); err != nil {
			return err
		}
		c.state = StateAwaitOpen
		return nil
	})
}

// applyTuning is the only way tuning parameters change after construction.
// It is valid only in StateAwaitTuneOk.
func (c *Connection) applyTuning(ev TuneOk) error {
	if err := c.assertState(StateAwaitTuneOk); err != nil {
		return err
	}
	brokerFrameMax := uint64(c.maxFrameSize)
	if brokerFrameMax == 0 {
		brokerFrameMax = math.MaxInt32
	}
	switch {
	case ev.FrameMax > brokerFrameMax:
		return newConnectionError(ErrNegotiation, SyntaxError, 0,
			"Attempt to set max frame size to %d greater than the broker will allow: %d", ev.FrameMax, brokerFrameMax)
	case ev.FrameMax > 0 && ev.FrameMax < FrameOverhead:
		return newConnectionError(ErrNegotiation, SyntaxError, 0,
			"Attempt to set max frame size to %d which is smaller than the protocol minimum: %d", ev.FrameMax, FrameOverhead)
	}
	frameMax := ev.FrameMax
	if frameMax == 0 {
		frameMax = brokerFrameMax
	}
	c.maxFrameSize = int(frameMax)

	// 0 means no limit other than the protocol's own
	channelMax := ev.ChannelMax
	if channelMax == 0 || channelMax > ChannelMaxCeiling {
		channelMax = ChannelMaxCeiling
	}
	c.maxChannels = int(channelMax)
	c.heartbeat = int(ev.Heartbeat)
	c.tuned = true

	if ev.Heartbeat > 0 {
		c.installHeartbeat(ev.Heartbeat)
	}
	return nil
}

func (c *Connection) installHeartbeat(seconds uint16) {
	writeIdle, readIdle := heartbeatIntervals(seconds, c.heartbeatUnit)
	hb := NewHeartbeatSupervisor(writeIdle, readIdle, c.onWriteIdle, c.onReadIdle)
	if old := c.hb.Swap(hb); old != nil {
		old.Stop()
	}
	hb.Start()
	c.log.Debug().Dur("write_idle", writeIdle).Dur("read_idle", readIdle).Msg("heartbeat supervisor installed")
}

func (c *Connection) onWriteIdle() {
	c.log.Warn().Msg("heartbeat write idle")
	if err := c.writeFrame(c.registry.Load().Heartbeat()); err == nil {
		c.cfg.Metrics.heartbeatSent()
	}
}

func (c *Connection) onReadIdle() {
	c.log.Error().Msg("heartbeat timeout, closing transport")
	c.cfg.Metrics.heartbeatTimeout()
	c.Close()
}

// ReceiveConnectionOpen binds the connection to the namespace named by the
// virtual host and answers Open-Ok.
func (c *Connection) ReceiveConnectionOpen(ev Open) error {
	return c.run(classConnection, methodConnOpen, func() error {
		c.log.Debug().Str("vhost", ev.VirtualHost).Str("capabilities", ev.Capabilities).Bool("insist", ev.Insist).Msg("recv connection.open")
		if err := c.assertState(StateAwaitOpen); err != nil {
			return err
		}
		ns := namespaceFor(c.cfg.Tenant, ev.VirtualHost)
		if c.cfg.Namespaces != nil {
			ok, err := c.cfg.Namespaces.NamespaceExists(c.ctx, ns)
			if err != nil {
				return newConnectionError(err, InternalError, 0, "namespace lookup for '%s' failed", ns.Local)
			}
			if !ok {
				return newConnectionError(ErrUnknownNamespace, NotFound, 0, "Unknown virtual host: '%s'", ns.Local)
			}
		}
		c.namespace = ns
		if err := c.writeFrame(c.registry.Load().ConnectionOpenOk(ev.VirtualHost)); err != nil {
			return err
		}
		c.state = StateOpen
		c.log.Info().Str("namespace", ns.String()).Msg("connection open")
		return nil
	})
}

// ReceiveConnectionClose completes every channel, answers Close-Ok and tears
// the transport down whatever happened before.
func (c *Connection) ReceiveConnectionClose(ev Close) error {
	return c.run(classConnection, methodConnClose, func() error {
		defer c.Close()
		c.log.Debug().Uint16("reply_code", ev.ReplyCode).Str("reply_text", ev.ReplyText).
			Uint16("class", ev.ClassID).Uint16("method", ev.MethodID).Msg("recv connection.close")
		var err error
		if c.orderlyClose.CompareAndSwap(false, true) {
			err = c.completeAndCloseAllChannels()
			if err != nil {
				c.log.Error().Err(err).Msg("error closing channels")
			}
		}
		if werr := c.writeFrame(c.registry.Load().ConnectionCloseOk()); werr != nil && err == nil {
			err = werr
		}
		return err
	})
}

// ReceiveConnectionCloseOk tears the transport down.
func (c *Connection) ReceiveConnectionCloseOk() error {
	c.setCurrentMethod(classConnection, methodConnCloseOk)
	c.log.Debug().Msg("recv connection.close-ok")
	return c.Close()
}

// SendConnectionClose starts a server initiated close: channelID is marked
// awaiting close-ok, every channel is completed and closed, then
// Connection.Close is written. Only the first call has an effect; the first
// channel failure is returned after the frame is written.
func (c *Connection) SendConnectionClose(replyCode uint16, replyText string, channelID uint16) error {
	reg := c.registry.Load()
	frame := reg.ConnectionClose(replyCode, replyText, uint16(c.currentClassID.Load()), uint16(c.currentMethodID.Load()))
	return c.sendConnectionClose(channelID, frame, replyCode)
}

func (c *Connection) sendConnectionClose(channelID uint16, frame Frame, replyCode uint16) error {
	if !c.orderlyClose.CompareAndSwap(false, true) {
		return nil
	}
	c.table.MarkAwaitingCloseOk(channelID)
	err := c.completeAndCloseAllChannels()
	if werr := c.writeFrame(frame); werr != nil && err == nil {
		err = werr
	}
	c.cfg.Metrics.closeSent(strconv.Itoa(int(replyCode)))
	return err
}

// ReceiveChannelOpen admits a new channel. Every rejection closes the whole
// connection.
func (c *Connection) ReceiveChannelOpen(ev ChannelOpen) error {
	return c.run(classChannel, methodChannelOpen, func() error {
		id := ev.Channel
		c.log.Debug().Uint16("chan", id).Msg("recv channel.open")
		if err := c.assertState(StateOpen); err != nil {
			return err
		}
		switch {
		case c.namespace.IsZero():
			return newConnectionError(ErrChannelAdmission, CommandInvalid, id,
				"Virtualhost has not yet been set. ConnectionOpen has not been called.")
		case c.table.Registered(id) || c.table.IsAwaitingClosure(id):
			return newConnectionError(ErrChannelAdmission, ChannelError, id, "Channel %d already exists", id)
		case id == 0 || int(id) > c.maxChannels:
			return newConnectionError(ErrChannelAdmission, ChannelError, id,
				"Channel %d cannot be created as the max allowed channel id is %d", id, c.maxChannels)
		}
		ch, err := c.cfg.Channels.NewChannel(c.connContext(), id)
		if err != nil {
			return newConnectionError(err, InternalError, id, "Channel %d could not be created: %v", id, err)
		}
		if !c.table.Add(ch) {
			// the transport was torn down while the channel was created
			if err := ch.Close(); err != nil {
				c.log.Error().Err(err).Uint16("chan", id).Msg("error closing channel")
			}
			return ErrTransportClosed
		}
		c.cfg.Metrics.channelsAdded(1)
		if err := c.writeFrame(c.registry.Load().ChannelOpenOk(id)); err != nil {
			return err
		}
		if o, ok := ch.(openNotifier); ok {
			o.Opened()
		}
		return nil
	})
}

// ReceiveChannelClose closes the channel and answers Channel.Close-Ok.
func (c *Connection) ReceiveChannelClose(ev ChannelClose) error {
	return c.run(classChannel, methodChannelClose, func() error {
		c.log.Debug().Uint16("chan", ev.Channel).Uint16("reply_code", ev.ReplyCode).Str("reply_text", ev.ReplyText).Msg("recv channel.close")
		if err := c.assertState(StateOpen); err != nil {
			return err
		}
		reg := c.registry.Load()
		if c.table.IsAwaitingClosure(ev.Channel) {
			// both sides closed at once; keep waiting for our close-ok
			return c.writeFrame(reg.ChannelCloseOk(ev.Channel))
		}
		ch := c.table.Get(ev.Channel)
		if ch == nil {
			return newConnectionError(nil, ChannelError, ev.Channel, "Unknown channel id: %d", ev.Channel)
		}
		cerr := c.closeChannel(ch, false)
		if err := c.writeFrame(reg.ChannelCloseOk(ev.Channel)); err != nil {
			return err
		}
		return cerr
	})
}

// ReceiveChannelCloseOk completes a server initiated channel close.
func (c *Connection) ReceiveChannelCloseOk(ev ChannelCloseOk) error {
	return c.run(classChannel, methodChannelCloseOk, func() error {
		if err := c.assertState(StateOpen); err != nil {
			return err
		}
		waited, ok := c.table.ClearAwaitingCloseOk(ev.Channel)
		if !ok {
			c.log.Debug().Uint16("chan", ev.Channel).Msg("unexpected channel.close-ok")
			return nil
		}
		c.log.Debug().Uint16("chan", ev.Channel).Dur("waited", waited).Msg("recv channel.close-ok")
		return nil
	})
}

// ReceiveHeartbeat accepts a heartbeat. Inbound activity is recorded by
// Dispatch for every event.
func (c *Connection) ReceiveHeartbeat() error {
	c.log.Debug().Msg("recv heartbeat")
	return nil
}

// ReceiveChannelFrame delivers an application frame to its channel.
func (c *Connection) ReceiveChannelFrame(f Frame) error {
	var classID, methodID uint16
	if f.Type == frameMethod {
		classID, methodID, _, _ = ParseMethod(f.Payload)
	}
	return c.run(classID, methodID, func() error {
		if err := c.assertState(StateOpen); err != nil {
			return err
		}
		if c.table.IsAwaitingClosure(f.Channel) {
			c.log.Debug().Uint16("chan", f.Channel).Msg("dropping frame for channel awaiting close-ok")
			return nil
		}
		ch := c.table.Get(f.Channel)
		if ch == nil {
			return newConnectionError(nil, ChannelError, f.Channel, "Unknown channel id: %d", f.Channel)
		}
		err := ch.Deliver(f)
		if err == nil {
			return nil
		}
		var ce *ChannelException
		if errors.As(err, &ce) {
			return c.closeChannelAndWriteFrame(ch, ce.Code, ce.Reason)
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return newConnectionError(err, InternalError, f.Channel, "channel %d: %v", f.Channel, err)
	})
}

// closeChannelAndWriteFrame sends Channel.Close for ch, closes it and waits
// for the client's Channel.Close-Ok.
func (c *Connection) closeChannelAndWriteFrame(ch Channel, replyCode uint16, replyText string) error {
	id := ch.ID()
	frame := c.registry.Load().ChannelClose(id, replyCode, replyText,
		uint16(c.currentClassID.Load()), uint16(c.currentMethodID.Load()))
	if err := c.writeFrame(frame); err != nil {
		return err
	}
	return c.closeChannel(ch, true)
}

// closeChannel removes ch from the table and closes it. With mark set the id
// stays reserved until Channel.Close-Ok arrives.
func (c *Connection) closeChannel(ch Channel, mark bool) error {
	id := ch.ID()
	if c.table.Take(id) == nil {
		// already reconciled by a connection-wide close
		return nil
	}
	c.cfg.Metrics.channelsAdded(-1)
	err := ch.Close()
	if err != nil {
		c.log.Error().Err(err).Uint16("chan", id).Msg("error closing channel")
	}
	if mark {
		c.table.MarkAwaitingCloseOk(id)
	}
	return err
}

func (c *Connection) completeAndCloseAllChannels() error {
	err := c.receivedCompleteAllChannels()
	if cerr := c.closeAllChannels(c.table.Drain()); err == nil {
		err = cerr
	}
	return err
}

func (c *Connection) receivedCompleteAllChannels() error {
	var first error
	for _, ch := range c.table.Snapshot() {
		if err := ch.ReceivedComplete(); err != nil {
			if first == nil {
				first = err
			}
			c.log.Error().Err(err).Uint16("chan", ch.ID()).Msg("error informing channel that receiving is complete")
		}
	}
	return first
}

func (c *Connection) closeAllChannels(chans []Channel) error {
	var first error
	c.cfg.Metrics.channelsAdded(-len(chans))
	for _, ch := range chans {
		if err := ch.Close(); err != nil {
			if first == nil {
				first = err
			}
			c.log.Error().Err(err).Uint16("chan", ch.ID()).Msg("error closing channel")
		}
	}
	return first
}

// writeFrame is the single outbound path: frames are written and flushed
// under one lock. A failed write tears the connection down.
func (c *Connection) writeFrame(f Frame) error {
	c.writeMu.Lock()
	err := c.sink.Write(f)
	if err == nil {
		err = c.sink.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		c.OnExceptionCaught(fmt.Errorf("write frame: %w", err))
		return err
	}
	if e := c.log.Debug(); e.Enabled() {
		e.Uint8("type", f.Type).Uint16("chan", f.Channel).Int("size", len(f.Payload)).Msg("send")
	}
	if hb := c.hb.Load(); hb != nil {
		hb.MarkWrite()
	}
	return nil
}

// Close tears the transport down without a close handshake. Only the first
// call closes the transport; channels not yet reconciled are closed here.
func (c *Connection) Close() error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	c.log.Info().Msg("closing transport")
	if hb := c.hb.Load(); hb != nil {
		hb.Stop()
	}
	c.cancel()
	err := c.transport.Close()
	if cerr := c.closeAllChannels(c.table.Seal()); cerr != nil {
		c.log.Error().Err(cerr).Msg("error closing channels on teardown")
	}
	c.cfg.Metrics.connectionClosed()
	if n, ok := c.cfg.Channels.(ConnCloseNotifier); ok {
		n.ConnClosed(c.connContext())
	}
	close(c.closed)
	return err
}
