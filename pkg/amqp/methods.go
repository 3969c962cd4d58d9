package amqp

import (
	"bytes"
	"fmt"
	"runtime"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ProtocolVersion identifies a negotiated AMQP dialect.
type ProtocolVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint8
}

var (
	// Version091 is AMQP 0-9-1, advertised by header "AMQP\x00\x00\x09\x01".
	Version091 = ProtocolVersion{Major: 0, Minor: 9, Revision: 1}
	// Version09 is AMQP 0-9, advertised by the legacy header "AMQP\x01\x01\x00\x09".
	Version09 = ProtocolVersion{Major: 0, Minor: 9, Revision: 0}
)

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d-%d-%d", v.Major, v.Minor, v.Revision)
}

// ProtocolHeader is the 8-byte protocol initiation sent by a client.
type ProtocolHeader struct {
	ProtocolID uint8
	Major      uint8
	Minor      uint8
	Revision   uint8
}

// Version maps the header onto a supported protocol version.
func (h ProtocolHeader) Version() (ProtocolVersion, error) {
	switch {
	case h.ProtocolID == 0 && h.Major == 0 && h.Minor == 9 && h.Revision == 1:
		return Version091, nil
	case h.ProtocolID == 1 && h.Major == 1 && h.Minor == 0 && h.Revision == 9:
		return Version09, nil
	}
	return ProtocolVersion{}, fmt.Errorf("%w: %d-%d-%d-%d", ErrUnsupportedVersion, h.ProtocolID, h.Major, h.Minor, h.Revision)
}

// ServerProduct is advertised in Connection.Start server properties.
const ServerProduct = "amqp-conn"

// ServerVersion is advertised in Connection.Start server properties.
const ServerVersion = "0.3.0"

// MethodRegistry builds outbound method frames for one protocol version.
type MethodRegistry struct {
	version ProtocolVersion
}

// NewMethodRegistry returns the frame factory for version.
func NewMethodRegistry(version ProtocolVersion) *MethodRegistry {
	return &MethodRegistry{version: version}
}

// Version reports the protocol version the registry encodes for.
func (m *MethodRegistry) Version() ProtocolVersion { return m.version }

func serverProperties() amqp091.Table {
	return amqp091.Table{
		"product":  ServerProduct,
		"version":  ServerVersion,
		"platform": "Go " + runtime.Version(),
		"capabilities": amqp091.Table{
			"publisher_confirms":     false,
			"consumer_cancel_notify": false,
			"connection.blocked":     false,
		},
	}
}

// ConnectionStart builds Connection.Start. mechanisms and locales are
// space separated lists.
func (m *MethodRegistry) ConnectionStart(mechanisms, locales string) Frame {
	var buf bytes.Buffer
	buf.WriteByte(m.version.Major)
	buf.WriteByte(m.version.Minor)
	buf.Write(writeFieldTable(serverProperties()))
	buf.Write(encodeLongStr(mechanisms))
	buf.Write(encodeLongStr(locales))
	return methodFrame(0, classConnection, methodConnStart, buf.Bytes())
}

// ConnectionSecure builds Connection.Secure with the given challenge.
func (m *MethodRegistry) ConnectionSecure(challenge []byte) Frame {
	return methodFrame(0, classConnection, methodConnSecure, encodeLongStr(string(challenge)))
}

// ConnectionTune builds Connection.Tune.
func (m *MethodRegistry) ConnectionTune(channelMax uint16, frameMax uint32, heartbeat uint16) Frame {
	var buf bytes.Buffer
	buf.Write(encodeShort(channelMax))
	buf.Write(encodeLong(frameMax))
	buf.Write(encodeShort(heartbeat))
	return methodFrame(0, classConnection, methodConnTune, buf.Bytes())
}

// ConnectionOpenOk builds Connection.Open-Ok. The reserved known-hosts
// field echoes the requested virtual host on 0-9 and is empty on 0-9-1.
func (m *MethodRegistry) ConnectionOpenOk(virtualHost string) Frame {
	if m.version == Version09 {
		return methodFrame(0, classConnection, methodConnOpenOk, encodeShortStr(virtualHost))
	}
	return methodFrame(0, classConnection, methodConnOpenOk, encodeShortStr(""))
}

// ConnectionClose builds Connection.Close with the offending class/method.
func (m *MethodRegistry) ConnectionClose(replyCode uint16, replyText string, classID, methodID uint16) Frame {
	var buf bytes.Buffer
	buf.Write(encodeShort(replyCode))
	buf.Write(encodeShortStr(replyText))
	buf.Write(encodeShort(classID))
	buf.Write(encodeShort(methodID))
	return methodFrame(0, classConnection, methodConnClose, buf.Bytes())
}

// ConnectionCloseOk builds Connection.Close-Ok.
func (m *MethodRegistry) ConnectionCloseOk() Frame {
	return methodFrame(0, classConnection, methodConnCloseOk, nil)
}

// ChannelOpenOk builds Channel.Open-Ok (reserved longstr).
func (m *MethodRegistry) ChannelOpenOk(channel uint16) Frame {
	return methodFrame(channel, classChannel, methodChannelOpenOk, encodeLongStr(""))
}

// ChannelClose builds Channel.Close.
func (m *MethodRegistry) ChannelClose(channel uint16, replyCode uint16, replyText string, classID, methodID uint16) Frame {
	var buf bytes.Buffer
	buf.Write(encodeShort(replyCode))
	buf.Write(encodeShortStr(replyText))
	buf.Write(encodeShort(classID))
	buf.Write(encodeShort(methodID))
	return methodFrame(channel, classChannel, methodChannelClose, buf.Bytes())
}

// ChannelCloseOk builds Channel.Close-Ok.
func (m *MethodRegistry) ChannelCloseOk(channel uint16) Frame {
	return methodFrame(channel, classChannel, methodChannelCloseOk, nil)
}

// Heartbeat builds the heartbeat frame.
func (m *MethodRegistry) Heartbeat() Frame {
	return Frame{Type: frameHeartbeat, Channel: 0}
}
