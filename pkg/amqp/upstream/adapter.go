package upstream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/ericogr/amqp-conn/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config configures the upstream broker connection.
type Config struct {
	URL       string
	TLS       bool
	TLSConfig *tls.Config
	// User and Password override credentials in URL when set.
	User     string
	Password string
	// VirtualHost pins the upstream virtual host. When empty the client's
	// namespace is used, with the default namespace mapped to "/".
	VirtualHost string
}

// Adapter is an amqp.ChannelFactory whose channels forward basic.qos,
// exchange.declare and queue.declare to a real broker. Each client
// connection gets its own broker connection, opened with its first channel
// and closed with the client connection.
type Adapter struct {
	cfg    Config
	dial   Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewAdapter creates an adapter talking to the broker at cfg.URL.
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:      cfg,
		dial:     DialAMQP,
		logger:   zerolog.Nop(),
		sessions: map[string]*session{},
	}
}

// SetLogger sets the logger used by the adapter and its sessions.
func (a *Adapter) SetLogger(l zerolog.Logger) { a.logger = l }

// SetDialer replaces DialAMQP.
func (a *Adapter) SetDialer(d Dialer) { a.dial = d }

// Sessions returns the number of client connections with a session.
func (a *Adapter) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// getOrCreateSession refuses connections already tearing down: their
// ConnClosed may have run, and a new session would never be closed.
func (a *Adapter) getOrCreateSession(ctx amqp.ConnContext) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[ctx.ID]; ok {
		return s, nil
	}
	if ctx.Closing != nil && ctx.Closing() {
		return nil, errSessionClosed
	}
	s := &session{
		cfg:    a.cfg,
		dial:   a.dial,
		ctx:    ctx,
		logger: a.logger.With().Str("conn", ctx.ID).Logger(),
	}
	a.sessions[ctx.ID] = s
	return s, nil
}

// NewChannel opens the upstream channel backing client channel id.
func (a *Adapter) NewChannel(ctx amqp.ConnContext, id uint16) (amqp.Channel, error) {
	s, err := a.getOrCreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream channel for %d: %w", id, err)
	}
	up, err := s.channel()
	if err != nil {
		return nil, fmt.Errorf("upstream channel for %d: %w", id, err)
	}
	pc := &proxyChannel{up: up}
	pc.ServerChannel = amqp.NewServerChannel(ctx, id, pc.handle)
	return pc, nil
}

// ConnClosed drops the session of a closed client connection.
func (a *Adapter) ConnClosed(ctx amqp.ConnContext) {
	a.mu.Lock()
	s, ok := a.sessions[ctx.ID]
	delete(a.sessions, ctx.ID)
	a.mu.Unlock()
	if ok {
		s.close()
	}
}

// proxyChannel is a ServerChannel backed by one upstream channel.
type proxyChannel struct {
	*amqp.ServerChannel
	up Channel

	closeOnce sync.Once
	closeErr  error
}

func (c *proxyChannel) Close() error {
	c.ServerChannel.Close()
	c.closeOnce.Do(func() {
		if err := c.up.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *proxyChannel) handle(ctx amqp.ConnContext, id uint16, f amqp.Frame) error {
	m, err := amqp.DecodeChannelMethod(f)
	if err != nil {
		return err
	}
	switch m := m.(type) {
	case amqp.BasicQos:
		if err := c.up.Qos(int(m.PrefetchCount), int(m.PrefetchSize), m.Global); err != nil {
			return upstreamError(err)
		}
		return ctx.WriteFrame(amqp.BasicQosOk(id))
	case amqp.ExchangeDeclare:
		declare := c.up.ExchangeDeclare
		if m.Passive {
			declare = c.up.ExchangeDeclarePassive
		}
		if err := declare(m.Exchange, m.Kind, m.Durable, m.AutoDelete, m.Internal, m.NoWait, m.Arguments); err != nil {
			return upstreamError(err)
		}
		if m.NoWait {
			return nil
		}
		return ctx.WriteFrame(amqp.ExchangeDeclareOk(id))
	case amqp.QueueDeclare:
		declare := c.up.QueueDeclare
		if m.Passive {
			declare = c.up.QueueDeclarePassive
		}
		q, err := declare(m.Queue, m.Durable, m.AutoDelete, m.Exclusive, m.NoWait, m.Arguments)
		if err != nil {
			return upstreamError(err)
		}
		if m.NoWait {
			return nil
		}
		return ctx.WriteFrame(amqp.QueueDeclareOk(id, q.Name, uint32(q.Messages), uint32(q.Consumers)))
	}
	if !f.IsMethod() {
		// content is not proxied
		return nil
	}
	classID, methodID, _, _ := amqp.ParseMethod(f.Payload)
	return &amqp.ChannelException{Code: amqp.NotImplemented, Reason: fmt.Sprintf("method %d.%d not implemented", classID, methodID)}
}

// upstreamError maps a broker soft error onto a channel exception for the
// client. Hard errors close the client connection.
func upstreamError(err error) error {
	var ae *amqp091.Error
	if errors.As(err, &ae) && ae.Recover {
		return &amqp.ChannelException{Code: uint16(ae.Code), Reason: ae.Reason}
	}
	return fmt.Errorf("upstream: %w", err)
}
