package amqp

import (
	"bytes"
	"errors"
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

func startOkArgs() []byte {
	var b bytes.Buffer
	b.Write(writeFieldTable(amqp091.Table{"product": "test"}))
	b.Write(encodeShortStr("PLAIN"))
	b.Write(encodeLongStr("\x00guest\x00guest"))
	b.Write(encodeShortStr("en_US"))
	return b.Bytes()
}

func TestDecodeConnectionMethods(t *testing.T) {
	var tune bytes.Buffer
	tune.Write(encodeShort(100))
	tune.Write(encodeLong(65536))
	tune.Write(encodeShort(30))

	var closeArgs bytes.Buffer
	closeArgs.Write(encodeShort(ReplySuccess))
	closeArgs.Write(encodeShortStr("bye"))
	closeArgs.Write(encodeShort(0))
	closeArgs.Write(encodeShort(0))

	tests := []struct {
		name  string
		frame Frame
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "start-ok",
			frame: methodFrame(0, classConnection, methodConnStartOk, startOkArgs()),
			check: func(t *testing.T, ev Event) {
				so, ok := ev.(StartOk)
				if !ok || so.Mechanism != "PLAIN" || so.Locale != "en_US" || so.ClientProperties["product"] != "test" {
					t.Fatalf("start-ok: %+v", ev)
				}
				if string(so.Response) != "\x00guest\x00guest" {
					t.Fatalf("response: %q", so.Response)
				}
			},
		},
		{
			name:  "tune-ok",
			frame: methodFrame(0, classConnection, methodConnTuneOk, tune.Bytes()),
			check: func(t *testing.T, ev Event) {
				if ev != (TuneOk{ChannelMax: 100, FrameMax: 65536, Heartbeat: 30}) {
					t.Fatalf("tune-ok: %+v", ev)
				}
			},
		},
		{
			name:  "open without trailing fields",
			frame: methodFrame(0, classConnection, methodConnOpen, encodeShortStr("/orders")),
			check: func(t *testing.T, ev Event) {
				if ev != (Open{VirtualHost: "/orders"}) {
					t.Fatalf("open: %+v", ev)
				}
			},
		},
		{
			name:  "open with insist",
			frame: methodFrame(0, classConnection, methodConnOpen, append(append(encodeShortStr("/"), encodeShortStr("")...), 1)),
			check: func(t *testing.T, ev Event) {
				if ev != (Open{VirtualHost: "/", Insist: true}) {
					t.Fatalf("open: %+v", ev)
				}
			},
		},
		{
			name:  "close",
			frame: methodFrame(0, classConnection, methodConnClose, closeArgs.Bytes()),
			check: func(t *testing.T, ev Event) {
				if ev != (Close{ReplyCode: ReplySuccess, ReplyText: "bye"}) {
					t.Fatalf("close: %+v", ev)
				}
			},
		},
		{
			name:  "close-ok",
			frame: methodFrame(0, classConnection, methodConnCloseOk, nil),
			check: func(t *testing.T, ev Event) {
				if ev != (CloseOk{}) {
					t.Fatalf("close-ok: %+v", ev)
				}
			},
		},
		{
			name:  "channel open",
			frame: methodFrame(3, classChannel, methodChannelOpen, encodeShortStr("")),
			check: func(t *testing.T, ev Event) {
				if ev != (ChannelOpen{Channel: 3}) {
					t.Fatalf("channel open: %+v", ev)
				}
			},
		},
		{
			name:  "channel close",
			frame: methodFrame(3, classChannel, methodChannelClose, closeArgs.Bytes()),
			check: func(t *testing.T, ev Event) {
				if ev != (ChannelClose{Channel: 3, ReplyCode: ReplySuccess, ReplyText: "bye"}) {
					t.Fatalf("channel close: %+v", ev)
				}
			},
		},
		{
			name:  "channel close-ok",
			frame: methodFrame(3, classChannel, methodChannelCloseOk, nil),
			check: func(t *testing.T, ev Event) {
				if ev != (ChannelCloseOk{Channel: 3}) {
					t.Fatalf("channel close-ok: %+v", ev)
				}
			},
		},
		{
			name:  "heartbeat",
			frame: Frame{Type: frameHeartbeat},
			check: func(t *testing.T, ev Event) {
				if ev != (Heartbeat{}) {
					t.Fatalf("heartbeat: %+v", ev)
				}
			},
		},
		{
			name:  "application method",
			frame: methodFrame(2, classBasic, methodBasicQos, nil),
			check: func(t *testing.T, ev Event) {
				cf, ok := ev.(ChannelFrame)
				if !ok || cf.Frame.Channel != 2 {
					t.Fatalf("channel frame: %+v", ev)
				}
			},
		},
		{
			name:  "content body",
			frame: Frame{Type: frameBody, Channel: 2, Payload: []byte("x")},
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(ChannelFrame); !ok {
					t.Fatalf("channel frame: %+v", ev)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, _, _, err := DecodeFrame(tc.frame)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			tc.check(t, ev)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		code  uint16
	}{
		{name: "heartbeat on channel", frame: Frame{Type: frameHeartbeat, Channel: 1}, code: FrameError},
		{name: "content on channel 0", frame: Frame{Type: frameHeader}, code: FrameError},
		{name: "unknown type", frame: Frame{Type: 9}, code: FrameError},
		{name: "short method", frame: Frame{Type: frameMethod, Payload: []byte{0}}, code: FrameError},
		{name: "non-connection class on 0", frame: methodFrame(0, classBasic, methodBasicQos, nil), code: CommandInvalid},
		{name: "unknown connection method", frame: methodFrame(0, classConnection, 99, nil), code: CommandInvalid},
		{name: "truncated tune-ok", frame: methodFrame(0, classConnection, methodConnTuneOk, []byte{0, 1}), code: SyntaxError},
		{name: "truncated channel close", frame: methodFrame(1, classChannel, methodChannelClose, []byte{0}), code: SyntaxError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := DecodeFrame(tc.frame)
			var ce *ConnectionError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConnectionError, got %v", err)
			}
			if ce.Code != tc.code {
				t.Fatalf("code: got %d want %d", ce.Code, tc.code)
			}
		})
	}

	_, _, _, err := DecodeFrame(methodFrame(0, classConnection, methodConnTuneOk, []byte{0, 1}))
	if !errors.Is(err, ErrMalformedMethod) {
		t.Fatalf("malformed method not marked: %v", err)
	}
}

func TestDecodeChannelMethod(t *testing.T) {
	var qd bytes.Buffer
	qd.Write(encodeShort(0))
	qd.Write(encodeShortStr("orders"))
	qd.WriteByte(2 | 8)
	qd.Write(writeFieldTable(amqp091.Table{"x-max-length": int32(10)}))

	m, err := DecodeChannelMethod(methodFrame(1, classQueue, methodQueueDeclare, qd.Bytes()))
	if err != nil {
		t.Fatalf("DecodeChannelMethod: %v", err)
	}
	q, ok := m.(QueueDeclare)
	if !ok || q.Queue != "orders" || !q.Durable || !q.AutoDelete || q.Passive || q.Exclusive {
		t.Fatalf("queue.declare: %+v", m)
	}
	if q.Arguments["x-max-length"] != int32(10) {
		t.Fatalf("arguments: %v", q.Arguments)
	}

	var ed bytes.Buffer
	ed.Write(encodeShort(0))
	ed.Write(encodeShortStr("logs"))
	ed.Write(encodeShortStr("fanout"))
	ed.WriteByte(1)
	ed.Write(writeFieldTable(nil))
	m, err = DecodeChannelMethod(methodFrame(1, classExchange, methodExchangeDeclare, ed.Bytes()))
	if err != nil {
		t.Fatalf("DecodeChannelMethod: %v", err)
	}
	if e, ok := m.(ExchangeDeclare); !ok || e.Exchange != "logs" || e.Kind != "fanout" || !e.Passive {
		t.Fatalf("exchange.declare: %+v", m)
	}

	var qos bytes.Buffer
	qos.Write(encodeLong(0))
	qos.Write(encodeShort(25))
	m, err = DecodeChannelMethod(methodFrame(1, classBasic, methodBasicQos, qos.Bytes()))
	if err != nil {
		t.Fatalf("DecodeChannelMethod: %v", err)
	}
	if b, ok := m.(BasicQos); !ok || b.PrefetchCount != 25 || b.Global {
		t.Fatalf("basic.qos: %+v", m)
	}

	if m, err := DecodeChannelMethod(methodFrame(1, classBasic, 40, nil)); m != nil || err != nil {
		t.Fatalf("unknown method: %v %v", m, err)
	}
	if m, err := DecodeChannelMethod(Frame{Type: frameBody, Channel: 1}); m != nil || err != nil {
		t.Fatalf("content frame: %v %v", m, err)
	}

	_, err = DecodeChannelMethod(methodFrame(1, classQueue, methodQueueDeclare, []byte{0}))
	var ce *ChannelException
	if !errors.As(err, &ce) || ce.Code != SyntaxError {
		t.Fatalf("expected syntax error, got %v", err)
	}
}
