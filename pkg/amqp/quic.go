package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// quicALPN is negotiated on QUIC listeners.
const quicALPN = "amqp-0-9-1"

// quicTransport runs a connection on the first bidirectional stream of a
// QUIC connection.
type quicTransport struct {
	*quic.Stream
	conn *quic.Conn
}

func (t *quicTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *quicTransport) TLSConnectionState() *tls.ConnectionState {
	st := t.conn.ConnectionState().TLS
	return &st
}

func (t *quicTransport) Close() error {
	err := t.Stream.Close()
	t.conn.CloseWithError(0, "connection closed")
	return err
}

// ListenAndServeQUIC serves AMQP over QUIC on the UDP address addr until ctx
// ends. tlsConf is cloned and its NextProtos set to the AMQP ALPN.
func (s *Server) ListenAndServeQUIC(ctx context.Context, addr string, tlsConf *tls.Config) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	conf := tlsConf.Clone()
	conf.NextProtos = []string{quicALPN}
	ln, err := quic.Listen(udpConn, conf, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	defer udpConn.Close()
	defer ln.Close()
	return s.ServeQUIC(ctx, ln)
}

// ServeQUIC accepts QUIC connections from ln. Each connection carries one
// AMQP connection on its first stream.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			acceptCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
			stream, err := conn.AcceptStream(acceptCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("[server] quic accept stream error")
				conn.CloseWithError(0, "no stream")
				return
			}
			s.ServeTransport(&quicTransport{Stream: stream, conn: conn})
		}()
	}
}
