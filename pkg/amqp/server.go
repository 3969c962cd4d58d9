package amqp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultHandshakeTimeout bounds the time from accept to Connection.Open-Ok
// and the time a server initiated close waits for Close-Ok.
const DefaultHandshakeTimeout = 30 * time.Second

// Transport is the byte stream a connection runs on: a net.Conn, a
// *tls.Conn or a QUIC stream.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

// supportedHeader is written back to clients that ask for an unsupported
// protocol version.
var supportedHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Server accepts transports and runs one Connection per transport.
type Server struct {
	config           ConnectionConfig
	handshakeTimeout time.Duration

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	blocked bool
	wg      sync.WaitGroup
}

// NewServer validates cfg and returns a server. handshakeTimeout of 0 uses
// DefaultHandshakeTimeout.
func NewServer(cfg ConnectionConfig, handshakeTimeout time.Duration) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{
		config:           cfg,
		handshakeTimeout: handshakeTimeout,
		conns:            map[*Connection]struct{}{},
	}, nil
}

// ListenAndServe listens on the TCP address addr and serves AMQP on it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ln)
}

// ListenAndServeTLS is ListenAndServe over TLS.
func (s *Server) ListenAndServeTLS(addr string, tlsConf *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, tlsConf)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts connections from ln (possibly a TLS listener) until Accept
// fails.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeTransport(conn)
		}()
	}
}

// Block blocks every current and future connection, for instance on a
// resource alarm.
func (s *Server) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = true
	for c := range s.conns {
		c.Block()
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown asks every connection to close with 320 CONNECTION_FORCED and
// waits for the transports to go away or ctx to end. Listeners are owned by
// the caller and must be closed first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.SendConnectionClose(ConnectionForced, "broker forced connection closure", 0); err != nil {
			logger.Error().Err(err).Str("conn", c.ID()).Msg("[server] shutdown close error")
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.Close()
		}
		return ctx.Err()
	}
}

func (s *Server) track(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	if s.blocked {
		c.Block()
	}
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// performTLSHandshake performs TLS handshake if conn is a *tls.Conn.
// It returns the TLS connection state and false if the handshake failed.
func performTLSHandshake(t Transport) (*tls.ConnectionState, bool) {
	if st, ok := t.(interface{ TLSConnectionState() *tls.ConnectionState }); ok {
		return st.TLSConnectionState(), true
	}
	tc, ok := t.(*tls.Conn)
	if !ok {
		return nil, true
	}
	if err := tc.Handshake(); err != nil {
		logger.Error().Err(err).Msg("[server] tls handshake error")
		return nil, false
	}
	st := tc.ConnectionState()
	return &st, true
}

// ServeTransport runs one connection on t and returns when it is torn down.
func (s *Server) ServeTransport(t Transport) {
	defer t.Close()
	// deadline for TLS, header and handshake
	t.SetReadDeadline(time.Now().Add(s.handshakeTimeout))

	tlsState, ok := performTLSHandshake(t)
	if !ok {
		return
	}

	c := NewConnection(t, NewFrameSink(t), s.config)
	c.setTLSState(tlsState)
	s.track(c)
	defer s.untrack(c)
	c.OnActive()
	defer c.Close()

	r := bufio.NewReader(t)
	hdr, err := readProtocolHeader(r)
	if err != nil {
		c.log.Debug().Err(err).Msg("[server] read protocol header error")
		return
	}
	if err := c.Dispatch(hdr); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			if _, werr := t.Write(supportedHeader); werr != nil {
				c.log.Debug().Err(werr).Msg("[server] write protocol header error")
			}
		}
		return
	}

	handshakeDone := false
	closeDeadline := false
	for c.IsActive() {
		f, err := readFrame(r, c.frameLimit())
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				// the stream cannot be resynchronized past an oversized frame
				c.SendConnectionClose(FrameError, err.Error(), 0)
				return
			}
			if c.IsActive() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("[server] read frame error")
			}
			return
		}
		ev, classID, methodID, err := DecodeFrame(f)
		if err != nil {
			var ce *ConnectionError
			if !errors.As(err, &ce) {
				c.OnExceptionCaught(fmt.Errorf("decode frame: %w", err))
				return
			}
			c.log.Error().Err(err).Uint16("chan", f.Channel).Msg("[server] decode error")
			c.setCurrentMethod(classID, methodID)
			c.SendConnectionClose(ce.Code, ce.Reason, ce.Channel)
		} else if err := c.Dispatch(ev); err != nil {
			c.log.Debug().Err(err).Int("class", int(classID)).Int("method", int(methodID)).Msg("[server] method handling error")
		}

		if !handshakeDone && c.State() == StateOpen {
			handshakeDone = true
			t.SetReadDeadline(time.Time{})
		}
		if !closeDeadline && c.IgnoreAllButCloseOk() {
			closeDeadline = true
			t.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
		}
	}
}
