package amqp

import (
	"bytes"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Application methods understood by channel implementations that proxy to
// a broker. Everything else is passed through as a raw Frame.

// BasicQos is basic.qos.
type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

// ExchangeDeclare is exchange.declare.
type ExchangeDeclare struct {
	Exchange   string
	Kind       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp091.Table
}

// QueueDeclare is queue.declare.
type QueueDeclare struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  amqp091.Table
}

// DecodeChannelMethod decodes the application methods above. It returns nil
// for content frames and for methods it does not know; a malformed method
// yields a *ChannelException with SyntaxError.
func DecodeChannelMethod(f Frame) (interface{}, error) {
	if f.Type != frameMethod {
		return nil, nil
	}
	classID, methodID, args, err := ParseMethod(f.Payload)
	if err != nil {
		return nil, &ChannelException{Code: FrameError, Reason: err.Error()}
	}
	r := &argReader{b: args}
	var m interface{}
	switch {
	case classID == classBasic && methodID == methodBasicQos:
		q := BasicQos{
			PrefetchSize:  r.long("prefetch-size"),
			PrefetchCount: r.short("prefetch-count"),
		}
		q.Global = r.optionalOctet()&1 == 1
		m = q
	case classID == classExchange && methodID == methodExchangeDeclare:
		r.short("reserved-1")
		d := ExchangeDeclare{Exchange: r.shortStr("exchange"), Kind: r.shortStr("type")}
		bits := r.octet("flags")
		d.Passive = bits&1 != 0
		d.Durable = bits&2 != 0
		d.AutoDelete = bits&4 != 0
		d.Internal = bits&8 != 0
		d.NoWait = bits&16 != 0
		d.Arguments = r.table("arguments")
		m = d
	case classID == classQueue && methodID == methodQueueDeclare:
		r.short("reserved-1")
		d := QueueDeclare{Queue: r.shortStr("queue")}
		bits := r.octet("flags")
		d.Passive = bits&1 != 0
		d.Durable = bits&2 != 0
		d.Exclusive = bits&4 != 0
		d.AutoDelete = bits&8 != 0
		d.NoWait = bits&16 != 0
		d.Arguments = r.table("arguments")
		m = d
	default:
		return nil, nil
	}
	if r.err != nil {
		return nil, &ChannelException{Code: SyntaxError, Reason: fmt.Sprintf("malformed method %d.%d: %v", classID, methodID, r.err)}
	}
	return m, nil
}

// BasicQosOk builds basic.qos-ok.
func BasicQosOk(channel uint16) Frame {
	return methodFrame(channel, classBasic, methodBasicQosOk, nil)
}

// ExchangeDeclareOk builds exchange.declare-ok.
func ExchangeDeclareOk(channel uint16) Frame {
	return methodFrame(channel, classExchange, methodExchangeDeclareOk, nil)
}

// QueueDeclareOk builds queue.declare-ok.
func QueueDeclareOk(channel uint16, queue string, messages, consumers uint32) Frame {
	var b bytes.Buffer
	b.Write(encodeShortStr(queue))
	b.Write(encodeLong(messages))
	b.Write(encodeLong(consumers))
	return methodFrame(channel, classQueue, methodQueueDeclareOk, b.Bytes())
}
