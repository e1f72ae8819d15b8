package protocol

import (
	"bytes"
	"errors"
	"strings"
)

// Control bytes reserved by the wire format.
const (
	RecordSeparator byte = 0x1E // terminates a frame
	GroupSeparator  byte = 0x1D // separates fields inside a frame
)

// MaxFrameSize bounds the bytes buffered for a single unterminated frame.
const MaxFrameSize = 64 * 1024

var (
	ErrStreamEnded    = errors.New("stream ended inside a frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrReservedByte   = errors.New("field contains a reserved control byte")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed command")
)

// Frame is one complete protocol unit: the ordered fields found between two
// record separators.
type Frame struct {
	Fields []string
}

// Tag returns field 0, or "" for an empty frame.
func (f Frame) Tag() string {
	if len(f.Fields) == 0 {
		return ""
	}
	return f.Fields[0]
}

// Decoder turns an arbitrarily chunked byte stream into frames. The only
// state kept between calls is the unterminated tail of the stream.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	max int
}

func NewDecoder() *Decoder {
	return &Decoder{max: MaxFrameSize}
}

// Feed appends p to the pending bytes and returns every frame completed by
// it, in stream order. The payload is everything strictly before the
// terminator; the terminator itself is the only byte dropped.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, RecordSeparator)
		if i < 0 {
			break
		}
		frames = append(frames, decodePayload(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		// Detach the tail so the consumed prefix can be collected.
		d.buf = append([]byte(nil), d.buf...)
	}

	limit := d.max
	if limit <= 0 {
		limit = MaxFrameSize
	}
	if len(d.buf) > limit {
		d.buf = nil
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Buffered reports how many bytes of an incomplete frame are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close is called when the underlying stream reaches EOF. It reports
// ErrStreamEnded if a partial frame was pending.
func (d *Decoder) Close() error {
	pending := len(d.buf)
	d.buf = nil
	if pending > 0 {
		return ErrStreamEnded
	}
	return nil
}

func decodePayload(payload []byte) Frame {
	text := strings.ToValidUTF8(string(payload), "\uFFFD")
	return Frame{Fields: strings.Split(text, string(GroupSeparator))}
}

// Encode builds the wire form of a frame from its fields.
func Encode(fields ...string) ([]byte, error) {
	var b bytes.Buffer
	for i, field := range fields {
		if strings.IndexByte(field, RecordSeparator) >= 0 || strings.IndexByte(field, GroupSeparator) >= 0 {
			return nil, ErrReservedByte
		}
		if i > 0 {
			b.WriteByte(GroupSeparator)
		}
		b.WriteString(field)
	}
	b.WriteByte(RecordSeparator)
	return b.Bytes(), nil
}

// FormatLine renders a server reply or broadcast: one UTF-8 line ending in '\n'.
func FormatLine(text string) []byte {
	return []byte(text + "\n")
}
