package amqp

import (
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Reply codes used by the connection core. Values come from the AMQP 0-9-1
// constants exported by amqp091-go.
const (
	ReplySuccess     uint16 = 200
	ConnectionForced uint16 = amqp091.ConnectionForced
	NotFound         uint16 = amqp091.NotFound
	SyntaxError      uint16 = amqp091.SyntaxError
	CommandInvalid   uint16 = amqp091.CommandInvalid
	ChannelError     uint16 = amqp091.ChannelError
	ResourceError    uint16 = amqp091.ResourceError
	NotImplemented   uint16 = amqp091.NotImplemented
	InternalError    uint16 = amqp091.InternalError
	FrameError       uint16 = amqp091.FrameError
)

var (
	// ErrSequenceViolation marks a method received while the connection was
	// not in the state that method requires.
	ErrSequenceViolation = errors.New("amqp: method not valid in current connection state")
	// ErrNegotiation marks tuning parameters outside the allowed bounds.
	ErrNegotiation = errors.New("amqp: tuning negotiation failed")
	// ErrChannelAdmission marks a rejected channel.open.
	ErrChannelAdmission = errors.New("amqp: channel open rejected")
	// ErrUnsupportedVersion is returned for a protocol header this server
	// does not speak. The connection stays in StateInit.
	ErrUnsupportedVersion = errors.New("amqp: unsupported protocol version")
	// ErrUnknownNamespace marks a virtual host the namespace service rejected.
	ErrUnknownNamespace = errors.New("amqp: unknown virtual host")
	// ErrMalformedMethod marks method arguments that could not be decoded.
	ErrMalformedMethod = errors.New("amqp: malformed method arguments")
	// ErrTransportClosed is returned for work that raced a transport
	// teardown.
	ErrTransportClosed = errors.New("amqp: transport closed")
)

// ConnectionError is a fault that is fatal to the whole connection. The
// dispatcher answers it with a single Connection.Close carrying Code and
// Reason.
type ConnectionError struct {
	Code    uint16
	Reason  string
	Channel uint16
	cause   error
}

func newConnectionError(cause error, code uint16, channel uint16, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...), Channel: channel, cause: cause}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp: connection error %d: %s", e.Code, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.cause }

// ChannelException is returned by a Channel when the fault only affects that
// channel. The connection answers it with Channel.Close on that channel.
type ChannelException struct {
	Code   uint16
	Reason string
}

func (e *ChannelException) Error() string {
	return fmt.Sprintf("amqp: channel exception %d: %s", e.Code, e.Reason)
}
