package amqp

import (
	"reflect"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

func TestFieldTableRoundTrip(t *testing.T) {
	tbl := amqp091.Table{
		"boolv":  true,
		"int32v": int32(42),
		"int64v": int64(1 << 40),
		"strv":   "hello",
		"nested": map[string]interface{}{"n": "v"},
		"table":  amqp091.Table{"k": int32(1)},
		"arr":    []interface{}{"a", int32(7)},
		"ts":     time.Unix(1234567890, 0),
		"void":   nil,
	}

	enc := writeFieldTable(tbl)
	got, n, err := parseFieldTable(enc)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d of %d bytes", n, len(enc))
	}
	// normalize types for comparison where numeric widening may happen
	if !reflect.DeepEqual(tbl["strv"], got["strv"]) {
		t.Fatalf("string mismatch: want=%v got=%v", tbl["strv"], got["strv"])
	}
	if !reflect.DeepEqual(tbl["boolv"], got["boolv"]) {
		t.Fatalf("bool mismatch: want=%v got=%v", tbl["boolv"], got["boolv"])
	}
	if !reflect.DeepEqual(tbl["int32v"], got["int32v"]) || !reflect.DeepEqual(tbl["int64v"], got["int64v"]) {
		t.Fatalf("int mismatch: got %v %v", got["int32v"], got["int64v"])
	}
	nested, ok := got["nested"].(amqp091.Table)
	if !ok || nested["n"] != "v" {
		t.Fatalf("nested missing or wrong type: %T %v", got["nested"], got["nested"])
	}
	if _, ok := got["table"].(amqp091.Table); !ok {
		t.Fatalf("table missing or wrong type: %T", got["table"])
	}
	if _, ok := got["arr"].([]interface{}); !ok {
		t.Fatalf("array missing or wrong type: %T", got["arr"])
	}
	if ts, ok := got["ts"].(time.Time); !ok || !ts.Equal(time.Unix(1234567890, 0)) {
		t.Fatalf("timestamp mismatch: %v", got["ts"])
	}
	if v, ok := got["void"]; !ok || v != nil {
		t.Fatalf("void mismatch: %v %v", v, ok)
	}
}

func TestFieldTableSkipsUnsupported(t *testing.T) {
	enc := writeFieldTable(amqp091.Table{"ok": "yes", "bad": struct{}{}})
	got, _, err := parseFieldTable(enc)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := got["bad"]; ok {
		t.Fatalf("unsupported entry encoded")
	}
	if got["ok"] != "yes" {
		t.Fatalf("supported entry lost: %v", got)
	}
}

func TestParseFieldTableTruncated(t *testing.T) {
	enc := writeFieldTable(amqp091.Table{"k": "value"})
	for _, cut := range []int{2, 5, len(enc) - 1} {
		if _, _, err := parseFieldTable(enc[:cut]); err == nil {
			t.Fatalf("expected error for %d bytes", cut)
		}
	}
}

func TestArgReaderFirstErrorSticks(t *testing.T) {
	r := &argReader{b: []byte{0, 1, 3, 'a'}}
	if v := r.short("a"); v != 1 {
		t.Fatalf("short: %d", v)
	}
	r.shortStr("b")
	if r.err == nil {
		t.Fatalf("expected truncated shortstr error")
	}
	first := r.err
	r.long("c")
	if r.err != first {
		t.Fatalf("error replaced: %v", r.err)
	}
}
