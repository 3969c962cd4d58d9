package amqp

import (
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Event is one decoded inbound protocol event. Events for a connection are
// handed to Connection.Dispatch one at a time, in arrival order.
type Event interface {
	event()
}

// StartOk is Connection.Start-Ok.
type StartOk struct {
	ClientProperties amqp091.Table
	Mechanism        string
	Response         []byte
	Locale           string
}

// SecureOk is Connection.Secure-Ok.
type SecureOk struct {
	Response []byte
}

// TuneOk is Connection.Tune-Ok. FrameMax is kept wide so oversized
// proposals can be reported verbatim.
type TuneOk struct {
	ChannelMax uint32
	FrameMax   uint64
	Heartbeat  uint16
}

// Open is Connection.Open.
type Open struct {
	VirtualHost  string
	Capabilities string
	Insist       bool
}

// Close is Connection.Close sent by the peer.
type Close struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// CloseOk is Connection.Close-Ok.
type CloseOk struct{}

// ChannelOpen is Channel.Open.
type ChannelOpen struct {
	Channel uint16
}

// ChannelClose is Channel.Close sent by the peer.
type ChannelClose struct {
	Channel   uint16
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// ChannelCloseOk is Channel.Close-Ok.
type ChannelCloseOk struct {
	Channel uint16
}

// Heartbeat is a heartbeat frame.
type Heartbeat struct{}

// ChannelFrame is any other frame addressed to an open channel: application
// methods and content header/body frames. It is delivered to the Channel.
type ChannelFrame struct {
	Frame Frame
}

func (ProtocolHeader) event() {}
func (StartOk) event()        {}
func (SecureOk) event()       {}
func (TuneOk) event()         {}
func (Open) event()           {}
func (Close) event()          {}
func (CloseOk) event()        {}
func (ChannelOpen) event()    {}
func (ChannelClose) event()   {}
func (ChannelCloseOk) event() {}
func (Heartbeat) event()      {}
func (ChannelFrame) event()   {}

func malformed(classID, methodID uint16, err error) error {
	return newConnectionError(fmt.Errorf("%w: %v", ErrMalformedMethod, err), SyntaxError, 0,
		"malformed method %d.%d: %v", classID, methodID, err)
}

// DecodeFrame turns an inbound frame into an Event. It also returns the
// class and method ids of method frames so close replies can cite them.
func DecodeFrame(f Frame) (Event, uint16, uint16, error) {
	switch f.Type {
	case frameHeartbeat:
		if f.Channel != 0 {
			return nil, 0, 0, newConnectionError(nil, FrameError, 0, "heartbeat on channel %d", f.Channel)
		}
		return Heartbeat{}, 0, 0, nil
	case frameHeader, frameBody:
		if f.Channel == 0 {
			return nil, 0, 0, newConnectionError(nil, FrameError, 0, "content frame on channel 0")
		}
		return ChannelFrame{Frame: f}, 0, 0, nil
	case frameMethod:
	default:
		return nil, 0, 0, newConnectionError(nil, FrameError, 0, "unknown frame type %d", f.Type)
	}

	classID, methodID, args, err := ParseMethod(f.Payload)
	if err != nil {
		return nil, 0, 0, newConnectionError(err, FrameError, 0, "%v", err)
	}
	if f.Channel == 0 {
		ev, err := decodeConnectionMethod(classID, methodID, args)
		return ev, classID, methodID, err
	}
	if classID == classChannel {
		switch methodID {
		case methodChannelOpen:
			return ChannelOpen{Channel: f.Channel}, classID, methodID, nil
		case methodChannelClose:
			r := &argReader{b: args}
			ev := ChannelClose{
				Channel:   f.Channel,
				ReplyCode: r.short("reply-code"),
				ReplyText: r.shortStr("reply-text"),
				ClassID:   r.short("class-id"),
				MethodID:  r.short("method-id"),
			}
			if r.err != nil {
				return nil, classID, methodID, malformed(classID, methodID, r.err)
			}
			return ev, classID, methodID, nil
		case methodChannelCloseOk:
			return ChannelCloseOk{Channel: f.Channel}, classID, methodID, nil
		}
	}
	return ChannelFrame{Frame: f}, classID, methodID, nil
}

func decodeConnectionMethod(classID, methodID uint16, args []byte) (Event, error) {
	if classID != classConnection {
		return nil, newConnectionError(nil, CommandInvalid, 0, "class %d not allowed on channel 0", classID)
	}
	r := &argReader{b: args}
	var ev Event
	switch methodID {
	case methodConnStartOk:
		ev = StartOk{
			ClientProperties: r.table("client-properties"),
			Mechanism:        r.shortStr("mechanism"),
			Response:         r.longStr("response"),
			Locale:           r.shortStr("locale"),
		}
	case methodConnSecureOk:
		ev = SecureOk{Response: r.longStr("response")}
	case methodConnTuneOk:
		ev = TuneOk{
			ChannelMax: uint32(r.short("channel-max")),
			FrameMax:   uint64(r.long("frame-max")),
			Heartbeat:  r.short("heartbeat"),
		}
	case methodConnOpen:
		vhost := r.shortStr("virtual-host")
		caps := ""
		if r.pos < len(r.b) {
			caps = r.shortStr("capabilities")
		}
		ev = Open{VirtualHost: vhost, Capabilities: caps, Insist: r.optionalOctet()&1 == 1}
	case methodConnClose:
		ev = Close{
			ReplyCode: r.short("reply-code"),
			ReplyText: r.shortStr("reply-text"),
			ClassID:   r.short("class-id"),
			MethodID:  r.short("method-id"),
		}
	case methodConnCloseOk:
		ev = CloseOk{}
	default:
		return nil, newConnectionError(nil, CommandInvalid, 0, "unexpected connection method %d", methodID)
	}
	if r.err != nil {
		return nil, malformed(classID, methodID, r.err)
	}
	return ev, nil
}
