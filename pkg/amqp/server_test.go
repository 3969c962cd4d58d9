package amqp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// testClient speaks raw frames to a server. A goroutine drains inbound
// frames so synchronous pipes never stall the server.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan Frame
	err    chan error
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, conn: conn, frames: make(chan Frame, 64), err: make(chan error, 1)}
}

func (c *testClient) startReader() {
	go func() {
		for {
			f, err := ReadFrame(c.conn)
			if err != nil {
				c.err <- err
				close(c.frames)
				return
			}
			c.frames <- f
		}
	}()
}

func (c *testClient) send(channel, classID, methodID uint16, args []byte) {
	c.t.Helper()
	if err := WriteMethod(c.conn, channel, classID, methodID, args); err != nil {
		c.t.Fatalf("write %d.%d: %v", classID, methodID, err)
	}
}

// expect waits for the next method frame, skipping heartbeats.
func (c *testClient) expect(classID, methodID uint16) (Frame, []byte) {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed waiting for %d.%d: %v", classID, methodID, <-c.err)
			}
			if f.Type == frameHeartbeat {
				continue
			}
			cid, mid, args, err := ParseMethod(f.Payload)
			if err != nil {
				c.t.Fatalf("parse: %v", err)
			}
			if cid != classID || mid != methodID {
				c.t.Fatalf("expected %d.%d, got %d.%d", classID, methodID, cid, mid)
			}
			return f, args
		case <-timeout:
			c.t.Fatalf("timeout waiting for %d.%d", classID, methodID)
		}
	}
}

// expectEOF waits for the server to close the transport.
func (c *testClient) expectEOF() {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				if err := <-c.err; !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					c.t.Fatalf("expected EOF, got %v", err)
				}
				return
			}
		case <-timeout:
			c.t.Fatalf("transport still open")
		}
	}
}

func replyCode(args []byte) uint16 { return binary.BigEndian.Uint16(args[0:2]) }

func (c *testClient) handshake(channelMax uint16, frameMax uint32, heartbeat uint16) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}); err != nil {
		c.t.Fatalf("write header: %v", err)
	}
	c.expect(classConnection, methodConnStart)
	c.send(0, classConnection, methodConnStartOk, startOkArgs())
	c.expect(classConnection, methodConnSecure)
	c.send(0, classConnection, methodConnSecureOk, encodeLongStr(""))
	c.expect(classConnection, methodConnTune)
	var tune bytes.Buffer
	tune.Write(encodeShort(channelMax))
	tune.Write(encodeLong(frameMax))
	tune.Write(encodeShort(heartbeat))
	c.send(0, classConnection, methodConnTuneOk, tune.Bytes())
	var open bytes.Buffer
	open.Write(encodeShortStr("/"))
	open.Write(encodeShortStr(""))
	open.WriteByte(0)
	c.send(0, classConnection, methodConnOpen, open.Bytes())
	c.expect(classConnection, methodConnOpenOk)
}

func closeArgs(code uint16, text string) []byte {
	var b bytes.Buffer
	b.Write(encodeShort(code))
	b.Write(encodeShortStr(text))
	b.Write(encodeShort(0))
	b.Write(encodeShort(0))
	return b.Bytes()
}

func newTestServer(t *testing.T, timeout time.Duration) *Server {
	t.Helper()
	srv, err := NewServer(DefaultConnectionConfig(), timeout)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// servePipe runs srv on one end of a pipe and returns the client end and a
// channel closed when ServeTransport returns.
func servePipe(t *testing.T, srv *Server) (*testClient, <-chan struct{}) {
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeTransport(server)
		close(done)
	}()
	t.Cleanup(func() { client.Close() })
	return newTestClient(t, client), done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeTransport did not return")
	}
}

func TestServeTransportSession(t *testing.T) {
	srv := newTestServer(t, 0)
	c, done := servePipe(t, srv)
	c.startReader()
	c.handshake(0, 0, 0)
	if srv.Connections() != 1 {
		t.Fatalf("connections: %d", srv.Connections())
	}

	c.send(1, classChannel, methodChannelOpen, encodeShortStr(""))
	c.expect(classChannel, methodChannelOpenOk)

	// the default channel has no handler for application methods
	var qos bytes.Buffer
	qos.Write(encodeLong(0))
	qos.Write(encodeShort(10))
	qos.WriteByte(0)
	c.send(1, classBasic, methodBasicQos, qos.Bytes())
	f, args := c.expect(classChannel, methodChannelClose)
	if f.Channel != 1 || replyCode(args) != NotImplemented {
		t.Fatalf("channel.close on %d code %d", f.Channel, replyCode(args))
	}
	c.send(1, classChannel, methodChannelCloseOk, nil)

	c.send(2, classChannel, methodChannelOpen, encodeShortStr(""))
	c.expect(classChannel, methodChannelOpenOk)
	c.send(2, classChannel, methodChannelClose, closeArgs(ReplySuccess, "done"))
	c.expect(classChannel, methodChannelCloseOk)

	c.send(0, classConnection, methodConnClose, closeArgs(ReplySuccess, "bye"))
	c.expect(classConnection, methodConnCloseOk)
	c.expectEOF()
	waitDone(t, done)
	if srv.Connections() != 0 {
		t.Fatalf("connection still tracked")
	}
}

func TestServeTransportUnsupportedVersion(t *testing.T) {
	srv := newTestServer(t, 0)
	c, done := servePipe(t, srv)
	go c.conn.Write([]byte{'A', 'M', 'Q', 'P', 1, 1, 0, 10})

	got := make([]byte, len(supportedHeader))
	if _, err := io.ReadFull(c.conn, got); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !bytes.Equal(got, supportedHeader) {
		t.Fatalf("server header: %q", got)
	}
	waitDone(t, done)
}

func TestServeTransportGarbageHeader(t *testing.T) {
	srv := newTestServer(t, 0)
	c, done := servePipe(t, srv)
	c.startReader()
	c.conn.Write([]byte("HTTP/1.1"))
	c.expectEOF()
	waitDone(t, done)
}

func TestServeTransportSequenceViolation(t *testing.T) {
	srv := newTestServer(t, 0)
	c, done := servePipe(t, srv)
	c.startReader()
	c.conn.Write([]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1})
	c.expect(classConnection, methodConnStart)

	c.send(0, classConnection, methodConnTuneOk, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	_, args := c.expect(classConnection, methodConnClose)
	if replyCode(args) != CommandInvalid {
		t.Fatalf("close code: %d", replyCode(args))
	}
	c.send(0, classConnection, methodConnCloseOk, nil)
	c.expectEOF()
	waitDone(t, done)
}

func TestServeTransportFrameTooLarge(t *testing.T) {
	srv := newTestServer(t, 0)
	c, done := servePipe(t, srv)
	c.startReader()
	c.handshake(0, 4096, 0)

	hdr := []byte{frameBody, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[3:], 8192)
	c.conn.Write(hdr)
	_, args := c.expect(classConnection, methodConnClose)
	if replyCode(args) != FrameError {
		t.Fatalf("close code: %d", replyCode(args))
	}
	c.expectEOF()
	waitDone(t, done)
}

func TestServeTransportHandshakeTimeout(t *testing.T) {
	srv := newTestServer(t, 50*time.Millisecond)
	c, done := servePipe(t, srv)
	c.startReader()
	c.expectEOF()
	waitDone(t, done)
}

func TestServerBlock(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.Block()
	c, _ := servePipe(t, srv)
	c.startReader()
	c.handshake(0, 0, 0)
	c.send(1, classChannel, methodChannelOpen, encodeShortStr(""))
	c.expect(classChannel, methodChannelOpenOk)
	f, args := c.expect(classChannel, methodChannelFlow)
	if f.Channel != 1 || len(args) != 1 || args[0] != 0 {
		t.Fatalf("flow: channel %d args %v", f.Channel, args)
	}
}

func TestServerShutdown(t *testing.T) {
	srv := newTestServer(t, 0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newTestClient(t, conn)
	c.startReader()
	c.handshake(0, 0, 0)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()
	_, args := c.expect(classConnection, methodConnClose)
	if replyCode(args) != ConnectionForced {
		t.Fatalf("close code: %d", replyCode(args))
	}
	c.send(0, classConnection, methodConnCloseOk, nil)
	c.expectEOF()
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewServerValidates(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.MaxChannels = 0
	if _, err := NewServer(cfg, 0); err == nil {
		t.Fatalf("expected validation error")
	}
}
