package amqp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const (
	frameMethod    = 1
	frameHeader    = 2
	frameBody      = 3
	frameHeartbeat = 8
	frameEnd       = 0xCE
)

// package logger used for SDK logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP SDK. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// limits and well-known classes/methods
const (
	// MaxFrameSize bounds frames read before tuning has completed.
	MaxFrameSize = 1 << 20 // 1MB

	// FrameOverhead is the fixed framing cost of every frame: type, channel,
	// size and the frame-end octet. A negotiated frame-max may not be smaller.
	FrameOverhead = 8

	// ChannelMaxCeiling is the largest channel id the protocol can carry.
	ChannelMaxCeiling = 0xFFFF

	classConnection = 10
	classChannel    = 20
	classExchange   = 40
	classQueue      = 50
	classBasic      = 60

	methodConnStart    = 10
	methodConnStartOk  = 11
	methodConnSecure   = 20
	methodConnSecureOk = 21
	methodConnTune     = 30
	methodConnTuneOk   = 31
	methodConnOpen     = 40
	methodConnOpenOk   = 41
	methodConnClose    = 50
	methodConnCloseOk  = 51

	methodChannelOpen    = 10
	methodChannelOpenOk  = 11
	methodChannelClose   = 40
	methodChannelCloseOk = 41

	methodExchangeDeclare   = 10
	methodExchangeDeclareOk = 11
	methodQueueDeclare      = 10
	methodQueueDeclareOk    = 11
	methodBasicQos          = 10
	methodBasicQosOk        = 11
)

// Frame represents a raw AMQP frame
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// IsMethod reports whether f is a method frame.
func (f Frame) IsMethod() bool { return f.Type == frameMethod }

// ErrFrameTooLarge is returned by the frame reader when a peer announces a
// payload beyond the negotiated frame-max.
var ErrFrameTooLarge = errors.New("amqp: frame exceeds negotiated frame-max")

// ReadFrame reads a single frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	return readFrame(r, MaxFrameSize)
}

// readFrame reads one frame whose total size (payload plus FrameOverhead)
// may not exceed limit. A limit of 0 disables the check.
func readFrame(r io.Reader, limit uint32) (Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := hdr[0]
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if limit > 0 && uint64(size)+FrameOverhead > uint64(limit) {
		return Frame{}, fmt.Errorf("%w: size %d, limit %d", ErrFrameTooLarge, size, limit)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != frameEnd {
		return Frame{}, errors.New("invalid frame end")
	}
	return Frame{Type: t, Channel: ch, Payload: payload}, nil
}

// WriteFrame writes a frame to w
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [7]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	// frame end
	if _, err := w.Write([]byte{frameEnd}); err != nil {
		return err
	}
	return nil
}

// methodFrame builds a method frame (type 1). args does NOT include class/method ids.
func methodFrame(channel uint16, classID, methodID uint16, args []byte) Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)
	return Frame{Type: frameMethod, Channel: channel, Payload: payload}
}

// WriteMethod writes a method frame (type 1). args does NOT include class/method ids.
func WriteMethod(w io.Writer, channel uint16, classID, methodID uint16, args []byte) error {
	return WriteFrame(w, methodFrame(channel, classID, methodID, args))
}

// ParseMethod parses a method frame payload and returns class, method and remaining args
func ParseMethod(payload []byte) (classID, methodID uint16, args []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("method payload too short")
	}
	classID = binary.BigEndian.Uint16(payload[0:2])
	methodID = binary.BigEndian.Uint16(payload[2:4])
	args = payload[4:]
	return classID, methodID, args, nil
}

// protocolHeaderLen is the size of the AMQP protocol initiation.
const protocolHeaderLen = 8

// readProtocolHeader reads the 8-byte protocol header. It only checks the
// "AMQP" literal; version support is decided by the connection.
func readProtocolHeader(r *bufio.Reader) (ProtocolHeader, error) {
	var hdr [protocolHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ProtocolHeader{}, err
	}
	if string(hdr[:4]) != "AMQP" {
		return ProtocolHeader{}, errors.New("invalid protocol header")
	}
	return ProtocolHeader{ProtocolID: hdr[4], Major: hdr[5], Minor: hdr[6], Revision: hdr[7]}, nil
}
