package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// encode helpers
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
func encodeLongLong(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func encodeLongStr(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], []byte(s))
	return b
}

// shortstr: 1-byte length + bytes
func encodeShortStr(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], []byte(s))
	return b
}

// writeFieldTable encodes tbl as an AMQP field-table including its 4-byte
// length prefix. Unsupported value types are skipped and logged.
func writeFieldTable(tbl amqp091.Table) []byte {
	var body bytes.Buffer
	for k, v := range tbl {
		var field bytes.Buffer
		if err := writeField(&field, v); err != nil {
			logger.Debug().Err(err).Str("key", k).Msg("skip field-table entry")
			continue
		}
		body.Write(encodeShortStr(k))
		body.Write(field.Bytes())
	}
	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func writeField(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case bool:
		buf.WriteByte('t')
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte('b')
		buf.WriteByte(byte(x))
	case uint8:
		buf.WriteByte('B')
		buf.WriteByte(x)
	case int16:
		buf.WriteByte('s')
		buf.Write(encodeShort(uint16(x)))
	case uint16:
		buf.WriteByte('u')
		buf.Write(encodeShort(x))
	case int32:
		buf.WriteByte('I')
		buf.Write(encodeLong(uint32(x)))
	case uint32:
		buf.WriteByte('i')
		buf.Write(encodeLong(x))
	case int:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(x)))
	case int64:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(x)))
	case float32:
		buf.WriteByte('f')
		buf.Write(encodeLong(math.Float32bits(x)))
	case float64:
		buf.WriteByte('d')
		buf.Write(encodeLongLong(math.Float64bits(x)))
	case amqp091.Decimal:
		buf.WriteByte('D')
		buf.WriteByte(x.Scale)
		buf.Write(encodeLong(uint32(x.Value)))
	case string:
		buf.WriteByte('S')
		buf.Write(encodeLongStr(x))
	case []byte:
		buf.WriteByte('x')
		buf.Write(encodeLong(uint32(len(x))))
		buf.Write(x)
	case time.Time:
		buf.WriteByte('T')
		buf.Write(encodeLongLong(uint64(x.Unix())))
	case amqp091.Table:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(x))
	case map[string]interface{}:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(amqp091.Table(x)))
	case []interface{}:
		var arr bytes.Buffer
		for _, e := range x {
			if err := writeField(&arr, e); err != nil {
				return err
			}
		}
		buf.WriteByte('A')
		buf.Write(encodeLong(uint32(arr.Len())))
		buf.Write(arr.Bytes())
	case nil:
		buf.WriteByte('V')
	default:
		return fmt.Errorf("unsupported field type %T", v)
	}
	return nil
}

// parseFieldTable decodes a field-table (with its length prefix) from the
// start of b and returns the table and the number of bytes consumed.
func parseFieldTable(b []byte) (amqp091.Table, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("field-table too short")
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if 4+n > len(b) {
		return nil, 0, fmt.Errorf("field-table truncated: want %d have %d", n, len(b)-4)
	}
	tbl := amqp091.Table{}
	body := b[4 : 4+n]
	pos := 0
	for pos < len(body) {
		kl := int(body[pos])
		pos++
		if pos+kl > len(body) {
			return nil, 0, fmt.Errorf("field-table truncated key")
		}
		key := string(body[pos : pos+kl])
		pos += kl
		v, used, err := parseField(body[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("field %q: %w", key, err)
		}
		pos += used
		tbl[key] = v
	}
	return tbl, 4 + n, nil
}

func parseField(b []byte) (interface{}, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("missing field type")
	}
	need := func(n int) error {
		if len(b) < 1+n {
			return fmt.Errorf("field %q truncated", b[0])
		}
		return nil
	}
	switch b[0] {
	case 't':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return b[1] != 0, 2, nil
	case 'b':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int8(b[1]), 2, nil
	case 'B':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return b[1], 2, nil
	case 's':
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int16(binary.BigEndian.Uint16(b[1:3])), 3, nil
	case 'u':
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return binary.BigEndian.Uint16(b[1:3]), 3, nil
	case 'I':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int32(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case 'i':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return binary.BigEndian.Uint32(b[1:5]), 5, nil
	case 'l':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case 'f':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case 'd':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case 'D':
		if err := need(5); err != nil {
			return nil, 0, err
		}
		return amqp091.Decimal{Scale: b[1], Value: int32(binary.BigEndian.Uint32(b[2:6]))}, 6, nil
	case 'S', 'x':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		l := int(binary.BigEndian.Uint32(b[1:5]))
		if err := need(4 + l); err != nil {
			return nil, 0, err
		}
		raw := b[5 : 5+l]
		if b[0] == 'S' {
			return string(raw), 5 + l, nil
		}
		return append([]byte(nil), raw...), 5 + l, nil
	case 'T':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return time.Unix(int64(binary.BigEndian.Uint64(b[1:9])), 0), 9, nil
	case 'F':
		tbl, used, err := parseFieldTable(b[1:])
		if err != nil {
			return nil, 0, err
		}
		return tbl, 1 + used, nil
	case 'A':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		l := int(binary.BigEndian.Uint32(b[1:5]))
		if err := need(4 + l); err != nil {
			return nil, 0, err
		}
		arr := []interface{}{}
		body := b[5 : 5+l]
		for pos := 0; pos < len(body); {
			v, used, err := parseField(body[pos:])
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			pos += used
		}
		return arr, 5 + l, nil
	case 'V':
		return nil, 1, nil
	default:
		return nil, 0, fmt.Errorf("unsupported field type %q", b[0])
	}
}

// argReader walks method arguments in wire order. The first failure sticks
// so callers can check err once after reading every field.
type argReader struct {
	b   []byte
	pos int
	err error
}

func (r *argReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated %s at offset %d", what, r.pos)
	}
}

func (r *argReader) octet(what string) uint8 {
	if r.err != nil || r.pos+1 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *argReader) short(what string) uint16 {
	if r.err != nil || r.pos+2 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}

func (r *argReader) long(what string) uint32 {
	if r.err != nil || r.pos+4 > len(r.b) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}

func (r *argReader) shortStr(what string) string {
	l := int(r.octet(what))
	if r.err != nil || r.pos+l > len(r.b) {
		r.fail(what)
		return ""
	}
	s := string(r.b[r.pos : r.pos+l])
	r.pos += l
	return s
}

func (r *argReader) longStr(what string) []byte {
	l := int(r.long(what))
	if r.err != nil || r.pos+l > len(r.b) {
		r.fail(what)
		return nil
	}
	s := append([]byte(nil), r.b[r.pos:r.pos+l]...)
	r.pos += l
	return s
}

func (r *argReader) table(what string) amqp091.Table {
	if r.err != nil {
		return nil
	}
	tbl, used, err := parseFieldTable(r.b[r.pos:])
	if err != nil {
		r.err = fmt.Errorf("%s: %w", what, err)
		return nil
	}
	r.pos += used
	return tbl
}

// optionalOctet returns 0 without failing when the argument is absent.
// Some clients omit trailing bit fields.
func (r *argReader) optionalOctet() uint8 {
	if r.err != nil || r.pos >= len(r.b) {
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}
