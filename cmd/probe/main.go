package main

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/ericogr/amqp-conn/pkg/amqp"
	"github.com/rs/zerolog"
)

// probe drives the connection handshake with raw frames, opens channels and
// closes cleanly. It reports every frame the server sends.

// encoding helpers
func encodeShortStr(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], s)
	return b
}

func encodeLongStr(s []byte) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b, uint32(len(s)))
	copy(b[4:], s)
	return b
}

func encodeShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func encodeLong(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func clientProperties() []byte {
	var tbl bytes.Buffer
	tbl.Write(encodeShortStr("product"))
	tbl.WriteByte('S')
	tbl.Write(encodeLongStr([]byte("amqp-conn probe")))
	return encodeLongStr(tbl.Bytes())
}

type probe struct {
	conn   net.Conn
	logger zerolog.Logger
}

// expect reads frames until a method frame arrives and checks it is
// classID.methodID. Heartbeats are logged and skipped.
func (p *probe) expect(classID, methodID uint16) ([]byte, error) {
	for {
		f, err := amqp.ReadFrame(p.conn)
		if err != nil {
			return nil, err
		}
		if !f.IsMethod() {
			p.logger.Debug().Uint8("type", f.Type).Uint16("chan", f.Channel).Msg("recv frame")
			continue
		}
		cid, mid, args, err := amqp.ParseMethod(f.Payload)
		if err != nil {
			return nil, err
		}
		p.logger.Info().Uint16("chan", f.Channel).Int("class", int(cid)).Int("method", int(mid)).Int("args", len(args)).Msg("recv method")
		if cid == 10 && mid == 50 && (classID != 10 || methodID != 50) {
			code := binary.BigEndian.Uint16(args[0:2])
			text := string(args[3 : 3+int(args[2])])
			return nil, fmt.Errorf("server closed connection: %d %s", code, text)
		}
		if cid != classID || mid != methodID {
			return nil, fmt.Errorf("expected %d.%d, got %d.%d", classID, methodID, cid, mid)
		}
		return args, nil
	}
}

func (p *probe) send(channel, classID, methodID uint16, args []byte) error {
	p.logger.Info().Uint16("chan", channel).Int("class", int(classID)).Int("method", int(methodID)).Msg("send method")
	return amqp.WriteMethod(p.conn, channel, classID, methodID, args)
}

func (p *probe) run(vhost string, heartbeat uint16, channels int, queue string) error {
	if _, err := p.conn.Write([]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}); err != nil {
		return err
	}
	if _, err := p.expect(10, 10); err != nil {
		return err
	}
	var startOk bytes.Buffer
	startOk.Write(clientProperties())
	startOk.Write(encodeShortStr("PLAIN"))
	startOk.Write(encodeLongStr([]byte("\x00guest\x00guest")))
	startOk.Write(encodeShortStr("en_US"))
	if err := p.send(0, 10, 11, startOk.Bytes()); err != nil {
		return err
	}
	if _, err := p.expect(10, 20); err != nil {
		return err
	}
	if err := p.send(0, 10, 21, encodeLongStr(nil)); err != nil {
		return err
	}
	tune, err := p.expect(10, 30)
	if err != nil {
		return err
	}
	if len(tune) < 8 {
		return fmt.Errorf("short connection.tune")
	}
	channelMax := binary.BigEndian.Uint16(tune[0:2])
	frameMax := binary.BigEndian.Uint32(tune[2:6])
	p.logger.Info().Uint16("channel_max", channelMax).Uint32("frame_max", frameMax).Uint16("heartbeat", binary.BigEndian.Uint16(tune[6:8])).Msg("server tuning")

	var tuneOk bytes.Buffer
	tuneOk.Write(encodeShort(channelMax))
	tuneOk.Write(encodeLong(frameMax))
	tuneOk.Write(encodeShort(heartbeat))
	if err := p.send(0, 10, 31, tuneOk.Bytes()); err != nil {
		return err
	}
	var open bytes.Buffer
	open.Write(encodeShortStr(vhost))
	open.Write(encodeShortStr(""))
	open.WriteByte(0)
	if err := p.send(0, 10, 40, open.Bytes()); err != nil {
		return err
	}
	if _, err := p.expect(10, 41); err != nil {
		return err
	}

	for i := 1; i <= channels; i++ {
		if err := p.send(uint16(i), 20, 10, encodeShortStr("")); err != nil {
			return err
		}
		if _, err := p.expect(20, 11); err != nil {
			return err
		}
	}
	if queue != "" && channels > 0 {
		var qd bytes.Buffer
		qd.Write(encodeShort(0))
		qd.Write(encodeShortStr(queue))
		qd.WriteByte(0)
		qd.Write(encodeLong(0)) // empty arguments table
		if err := p.send(1, 50, 10, qd.Bytes()); err != nil {
			return err
		}
		if _, err := p.expect(50, 11); err != nil {
			return err
		}
	}

	var closeArgs bytes.Buffer
	closeArgs.Write(encodeShort(amqp.ReplySuccess))
	closeArgs.Write(encodeShortStr("probe done"))
	closeArgs.Write(encodeShort(0))
	closeArgs.Write(encodeShort(0))
	if err := p.send(0, 10, 50, closeArgs.Bytes()); err != nil {
		return err
	}
	if _, err := p.expect(10, 51); err != nil {
		return err
	}
	// the server closes the transport after close-ok
	if _, err := amqp.ReadFrame(p.conn); err != io.EOF {
		p.logger.Warn().Err(err).Msg("transport still open after close-ok")
	}
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:5672", "server address")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	insecure := flag.Bool("insecure", true, "skip TLS verify for demo")
	vhost := flag.String("vhost", "/", "virtual host")
	heartbeat := flag.Uint("heartbeat", 0, "heartbeat seconds sent in tune-ok")
	channels := flag.Int("channels", 1, "channels to open")
	queue := flag.String("queue", "", "queue to declare on channel 1")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var conn net.Conn
	var err error
	if *useTLS {
		conn, err = tls.Dial("tcp", *addr, &tls.Config{InsecureSkipVerify: *insecure})
	} else {
		conn, err = net.Dial("tcp", *addr)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(*timeout))

	p := &probe{conn: conn, logger: logger}
	if err := p.run(*vhost, uint16(*heartbeat), *channels, *queue); err != nil {
		logger.Fatal().Err(err).Msg("probe failed")
	}
	logger.Info().Msg("probe completed")
}
