// Package ipc implements the host wire format: a 4-byte native-order length
// prefix followed by a UTF-8 JSON object. Hosts launched with
// --suppress-message-size omit the prefix on their replies; FramerConfig.Raw
// decodes that stream by splitting it into consecutive JSON objects.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Frame size constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// DefaultMaxPayloadSize is the default inbound payload limit (16 MiB).
	DefaultMaxPayloadSize = 16 * 1024 * 1024
	// readChunkSize is the read size used by FrameDecoder.
	readChunkSize = 32 * 1024
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorTooLarge indicates a payload exceeding the configured limit.
	FrameErrorTooLarge FrameErrorKind = iota
	// FrameErrorDecode indicates a payload that is not a UTF-8 JSON object.
	FrameErrorDecode
	// FrameErrorProtocol indicates a JSON object with no known discriminator.
	FrameErrorProtocol
	// FrameErrorPartial indicates the stream ended inside a frame.
	FrameErrorPartial
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorProtocol:
		return "protocol"
	case FrameErrorPartial:
		return "partial"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the connection must be torn down.
// There is no resynchronization, so every frame error is fatal.
func (e *FrameError) IsFatal() bool {
	return true
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FramerConfig configures inbound frame parsing.
type FramerConfig struct {
	// Raw disables length-prefix parsing on inbound bytes.
	Raw bool
	// MaxPayloadSize bounds a single inbound payload. Zero means
	// DefaultMaxPayloadSize.
	MaxPayloadSize int
}

func (c FramerConfig) maxPayload() int {
	if c.MaxPayloadSize <= 0 {
		return DefaultMaxPayloadSize
	}
	return c.MaxPayloadSize
}

// EncodeFrame prefixes payload with its length in native byte order.
// Outbound frames always carry the prefix, raw mode included.
func EncodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds length prefix range", len(payload)),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.NativeEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf, nil
}

// FrameBuffer reassembles inbound byte chunks into complete JSON payloads.
// It is not safe for concurrent use; one reader owns it.
type FrameBuffer struct {
	config FramerConfig
	buf    []byte
	err    error
	// scan is the raw-mode position inside the object at the front of buf.
	scan objectScan
}

// objectScan finds the end of a top-level JSON object incrementally, so
// each byte of a partial object is examined once across Feed calls.
type objectScan struct {
	active   bool
	pos      int
	depth    int
	inString bool
	escaped  bool
}

// advance scans buf from the saved position and returns the index just past
// the closing brace of the object, or false if it is not complete yet.
func (s *objectScan) advance(buf []byte) (int, bool) {
	for ; s.pos < len(buf); s.pos++ {
		c := buf[s.pos]
		switch {
		case s.escaped:
			s.escaped = false
		case s.inString:
			switch c {
			case '\\':
				s.escaped = true
			case '"':
				s.inString = false
			}
		case c == '"':
			s.inString = true
		case c == '{' || c == '[':
			s.depth++
		case c == '}' || c == ']':
			s.depth--
			if s.depth == 0 {
				s.pos++
				return s.pos, true
			}
		}
	}
	return 0, false
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer(config FramerConfig) *FrameBuffer {
	return &FrameBuffer{config: config}
}

// Feed appends chunk and returns every payload completed by it, in stream
// order. A frame error poisons the buffer: later calls return the same error.
func (b *FrameBuffer) Feed(chunk []byte) ([]json.RawMessage, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.buf = append(b.buf, chunk...)

	var (
		out []json.RawMessage
		err error
	)
	if b.config.Raw {
		out, err = b.drainRaw()
	} else {
		out, err = b.drainPrefixed()
	}
	if err != nil {
		b.err = err
		b.buf = nil
	}
	return out, err
}

// Buffered returns the number of bytes held for an incomplete frame.
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

func (b *FrameBuffer) drainPrefixed() ([]json.RawMessage, error) {
	var out []json.RawMessage
	offset := 0
	for len(b.buf)-offset >= LengthPrefixSize {
		size := binary.NativeEndian.Uint32(b.buf[offset : offset+LengthPrefixSize])
		if uint64(size) > uint64(b.config.maxPayload()) {
			return out, &FrameError{
				Kind: FrameErrorTooLarge,
				Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, b.config.maxPayload()),
			}
		}
		end := offset + LengthPrefixSize + int(size)
		if len(b.buf) < end {
			break
		}
		payload := b.buf[offset+LengthPrefixSize : end]
		if err := validatePayload(payload); err != nil {
			return out, err
		}
		out = append(out, bytes.Clone(payload))
		offset = end
	}
	b.compact(offset)
	return out, nil
}

func (b *FrameBuffer) drainRaw() ([]json.RawMessage, error) {
	var out []json.RawMessage
	offset := 0
	for {
		if !b.scan.active {
			offset += leadingSpace(b.buf[offset:])
			if offset == len(b.buf) {
				break
			}
			if b.buf[offset] != '{' {
				return out, &FrameError{
					Kind: FrameErrorDecode,
					Msg:  fmt.Sprintf("unexpected byte %q outside a JSON object", b.buf[offset]),
				}
			}
			b.scan = objectScan{active: true, pos: offset}
		}
		end, ok := b.scan.advance(b.buf)
		if !ok {
			break
		}
		b.scan = objectScan{}

		raw := b.buf[offset:end]
		if !utf8.Valid(raw) {
			return out, &FrameError{Kind: FrameErrorDecode, Msg: "payload is not valid UTF-8"}
		}
		var check json.RawMessage
		if err := json.Unmarshal(raw, &check); err != nil {
			return out, &FrameError{Kind: FrameErrorDecode, Msg: "invalid JSON payload", Err: err}
		}
		out = append(out, bytes.Clone(raw))
		offset = end
	}
	b.compact(offset)
	if b.scan.active {
		b.scan.pos -= offset
	}
	if len(b.buf) > b.config.maxPayload() {
		return out, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("unterminated payload exceeds maximum %d", b.config.maxPayload()),
		}
	}
	return out, nil
}

// compact drops consumed bytes, keeping the partial tail.
func (b *FrameBuffer) compact(offset int) {
	if offset == 0 {
		return
	}
	n := copy(b.buf, b.buf[offset:])
	b.buf = b.buf[:n]
}

func validatePayload(payload []byte) error {
	if !utf8.Valid(payload) {
		return &FrameError{Kind: FrameErrorDecode, Msg: "payload is not valid UTF-8"}
	}
	trimmed := payload[leadingSpace(payload):]
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(payload) {
		return &FrameError{Kind: FrameErrorDecode, Msg: "payload is not a JSON object"}
	}
	return nil
}

func leadingSpace(b []byte) int {
	n := 0
	for n < len(b) {
		switch b[n] {
		case ' ', '\t', '\r', '\n':
			n++
		default:
			return n
		}
	}
	return n
}

// FrameDecoder decodes frames from a stream using a FrameBuffer.
type FrameDecoder struct {
	reader  io.Reader
	buffer  *FrameBuffer
	pending []json.RawMessage
	chunk   []byte
	err     error
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader, config FramerConfig) *FrameDecoder {
	return &FrameDecoder{
		reader: r,
		buffer: NewFrameBuffer(config),
		chunk:  make([]byte, readChunkSize),
	}
}

// ReadFrame returns the next complete payload. Payloads completed before a
// frame error are returned first; the error follows.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: stream ended inside a frame
//   - *FrameError with any other kind: malformed stream (fatal)
//   - other errors: read failures from the underlying reader
func (d *FrameDecoder) ReadFrame() (json.RawMessage, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return nil, d.err
		}

		n, readErr := d.reader.Read(d.chunk)
		if n > 0 {
			frames, err := d.buffer.Feed(d.chunk[:n])
			d.pending = append(d.pending, frames...)
			if err != nil {
				d.err = err
			}
		}
		if len(d.pending) > 0 || d.err != nil {
			continue
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) && d.buffer.Buffered() > 0 {
				d.err = &FrameError{
					Kind: FrameErrorPartial,
					Msg:  fmt.Sprintf("stream ended with %d bytes of an incomplete frame", d.buffer.Buffered()),
					Err:  io.ErrUnexpectedEOF,
				}
				continue
			}
			return nil, readErr
		}
	}

	frame := d.pending[0]
	d.pending = d.pending[1:]
	return frame, nil
}
