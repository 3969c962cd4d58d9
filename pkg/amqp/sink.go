package amqp

import (
	"bufio"
	"io"
)

// FrameSink receives serialized outbound frames. Write may buffer; Flush
// forces delivery. The connection is the only writer and serializes calls.
type FrameSink interface {
	Write(f Frame) error
	Flush() error
}

// bufferedSink encodes frames onto a buffered writer.
type bufferedSink struct {
	w *bufio.Writer
}

// NewFrameSink returns a FrameSink that encodes frames onto w.
func NewFrameSink(w io.Writer) FrameSink {
	return &bufferedSink{w: bufio.NewWriter(w)}
}

func (s *bufferedSink) Write(f Frame) error {
	return WriteFrame(s.w, f)
}

func (s *bufferedSink) Flush() error {
	return s.w.Flush()
}
