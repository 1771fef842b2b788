package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
	"testing/iotest"
)

// mustFrame encodes payload with its length prefix (matches host output).
func mustFrame(t testing.TB, payload string) []byte {
	t.Helper()
	frame, err := EncodeFrame([]byte(payload))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return frame
}

func decodeObject(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return m
}

func TestEncodeFrame_NativeLengthPrefix(t *testing.T) {
	payload := `{"message":"version"}`
	frame := mustFrame(t, payload)

	if len(frame) != LengthPrefixSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), LengthPrefixSize+len(payload))
	}
	if got := binary.NativeEndian.Uint32(frame[:LengthPrefixSize]); got != uint32(len(payload)) {
		t.Errorf("length prefix = %d, want %d", got, len(payload))
	}
	if string(frame[LengthPrefixSize:]) != payload {
		t.Errorf("payload = %q, want %q", frame[LengthPrefixSize:], payload)
	}
}

func TestFrameBuffer_RoundTrip(t *testing.T) {
	messages := []map[string]any{
		{"message": "sendpraat", "sendpraat": []any{"Praat", "Read from file... /tmp/a.wav"}, "clientRef": "7"},
		{"code": float64(0), "clientRef": "7"},
		{"message": "progress", "string": "Downloading é", "value": float64(50), "maximum": float64(100)},
		{},
	}

	for _, m := range messages {
		payload, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}

		fb := NewFrameBuffer(FramerConfig{})
		out, err := fb.Feed(frame)
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("Feed returned %d frames, want 1", len(out))
		}
		if got := decodeObject(t, out[0]); !reflect.DeepEqual(got, m) {
			t.Errorf("round trip = %v, want %v", got, m)
		}
	}
}

func TestFrameBuffer_CoalescedFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, mustFrame(t, `{"n":1}`)...)
	stream = append(stream, mustFrame(t, `{"n":2}`)...)

	fb := NewFrameBuffer(FramerConfig{})
	out, err := fb.Feed(stream)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Feed returned %d frames, want 2", len(out))
	}
	if string(out[0]) != `{"n":1}` || string(out[1]) != `{"n":2}` {
		t.Errorf("frames = %s, %s; want n=1 then n=2", out[0], out[1])
	}
	if fb.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", fb.Buffered())
	}
}

func TestFrameBuffer_SplitAtEveryBoundary(t *testing.T) {
	frame := mustFrame(t, `{"message":"version","version":"20180606.1040"}`)

	for split := 1; split < len(frame); split++ {
		fb := NewFrameBuffer(FramerConfig{})

		out, err := fb.Feed(frame[:split])
		if err != nil {
			t.Fatalf("split %d: first Feed failed: %v", split, err)
		}
		if len(out) != 0 {
			t.Fatalf("split %d: first Feed returned %d frames, want 0", split, len(out))
		}

		out, err = fb.Feed(frame[split:])
		if err != nil {
			t.Fatalf("split %d: second Feed failed: %v", split, err)
		}
		if len(out) != 1 {
			t.Fatalf("split %d: second Feed returned %d frames, want 1", split, len(out))
		}
	}
}

func TestFrameBuffer_OversizedFrame(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.NativeEndian.PutUint32(prefix[:], 1025)

	fb := NewFrameBuffer(FramerConfig{MaxPayloadSize: 1024})
	_, err := fb.Feed(prefix[:])
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("oversized frame should be fatal")
	}
}

func TestFrameBuffer_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not json")},
		{"json array", []byte(`[1,2]`)},
		{"truncated object", []byte(`{"a":`)},
		{"invalid utf8", []byte{'{', '"', 0xff, '"', ':', '1', '}'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.payload)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			fb := NewFrameBuffer(FramerConfig{})
			_, err = fb.Feed(frame)

			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected FrameError, got %v", err)
			}
			if frameErr.Kind != FrameErrorDecode {
				t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
			}
		})
	}
}

func TestFrameBuffer_ErrorIsSticky(t *testing.T) {
	frame, _ := EncodeFrame([]byte("garbage"))
	fb := NewFrameBuffer(FramerConfig{})
	if _, err := fb.Feed(frame); err == nil {
		t.Fatal("expected error")
	}

	out, err := fb.Feed(mustFrame(t, `{"ok":true}`))
	if err == nil {
		t.Fatal("expected the buffer to stay poisoned after a frame error")
	}
	if len(out) != 0 {
		t.Errorf("poisoned buffer returned %d frames", len(out))
	}
}

func TestFrameBuffer_FramesBeforeErrorAreReturned(t *testing.T) {
	bad, _ := EncodeFrame([]byte("garbage"))
	stream := append(mustFrame(t, `{"n":1}`), bad...)

	fb := NewFrameBuffer(FramerConfig{})
	out, err := fb.Feed(stream)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(out) != 1 || string(out[0]) != `{"n":1}` {
		t.Errorf("frames before error = %s, want [{\"n\":1}]", out)
	}
}

func TestFrameBuffer_Raw(t *testing.T) {
	fb := NewFrameBuffer(FramerConfig{Raw: true})

	out, err := fb.Feed([]byte(`{"message":"version","version":"20180606.1040"}{"code":0,`))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("first Feed returned %d frames, want 1", len(out))
	}
	if got := decodeObject(t, out[0])["version"]; got != "20180606.1040" {
		t.Errorf("version = %v, want 20180606.1040", got)
	}

	out, err = fb.Feed([]byte(`"clientRef":"7"}` + "\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("second Feed returned %d frames, want 1", len(out))
	}
	if got := decodeObject(t, out[0])["clientRef"]; got != "7" {
		t.Errorf("clientRef = %v, want 7", got)
	}
	if fb.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", fb.Buffered())
	}
}

func TestFrameBuffer_RawBracesInStrings(t *testing.T) {
	fb := NewFrameBuffer(FramerConfig{Raw: true})
	out, err := fb.Feed([]byte(`{"error":"unbalanced } { in text","code":1}`))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Feed returned %d frames, want 1", len(out))
	}
}

func TestFrameBuffer_RawSplitAtEveryByte(t *testing.T) {
	payload := `{"error":"quote \" slash \\ and } { [","code":1,"n":[{"a":"]"}]}`
	for i := 1; i < len(payload); i++ {
		fb := NewFrameBuffer(FramerConfig{Raw: true})
		first, err := fb.Feed([]byte(payload[:i]))
		if err != nil || len(first) != 0 {
			t.Fatalf("split %d: first Feed = %d frames, %v", i, len(first), err)
		}
		second, err := fb.Feed([]byte(payload[i:] + " "))
		if err != nil {
			t.Fatalf("split %d: second Feed failed: %v", i, err)
		}
		if len(second) != 1 || string(second[0]) != payload {
			t.Fatalf("split %d: got %q", i, second)
		}
	}
}

func TestFrameBuffer_RawLargeObjectScannedOnce(t *testing.T) {
	var b bytes.Buffer
	b.WriteString(`{"message":"progress","string":"`)
	b.Write(bytes.Repeat([]byte("x{}\\\""), 1<<17))
	b.WriteString(`","value":1,"maximum":2}`)
	payload := b.Bytes()

	fb := NewFrameBuffer(FramerConfig{Raw: true})
	const chunk = 32 << 10
	var frames []json.RawMessage
	for start := 0; start < len(payload); start += chunk {
		end := min(start+chunk, len(payload))
		out, err := fb.Feed(payload[start:end])
		if err != nil {
			t.Fatalf("Feed at %d failed: %v", start, err)
		}
		frames = append(frames, out...)
		if end < len(payload) && fb.scan.pos != fb.Buffered() {
			t.Fatalf("after %d bytes: scan resumed at %d, buffered %d", end, fb.scan.pos, fb.Buffered())
		}
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], payload) {
		t.Fatalf("got %d frames, want the whole object", len(frames))
	}
	if fb.Buffered() != 0 || fb.scan.active {
		t.Errorf("buffer not drained: buffered=%d active=%v", fb.Buffered(), fb.scan.active)
	}
}

func TestFrameBuffer_RawBalancedButInvalid(t *testing.T) {
	fb := NewFrameBuffer(FramerConfig{Raw: true})
	_, err := fb.Feed([]byte(`{"code":}`))

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorDecode {
		t.Fatalf("expected FrameErrorDecode, got %v", err)
	}
}

func TestFrameBuffer_RawRejectsGarbage(t *testing.T) {
	fb := NewFrameBuffer(FramerConfig{Raw: true})
	_, err := fb.Feed([]byte("xyz"))
	if !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got %v", err)
	}
}

func TestFrameBuffer_RawUnterminatedTooLarge(t *testing.T) {
	fb := NewFrameBuffer(FramerConfig{Raw: true, MaxPayloadSize: 16})
	_, err := fb.Feed([]byte(`{"string":"0123456789abcdef`))

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Fatalf("expected FrameErrorTooLarge, got %v", err)
	}
}

func TestFrameDecoder_OneByteReads(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(mustFrame(t, `{"n":1}`))
	stream.Write(mustFrame(t, `{"n":2}`))
	stream.Write(mustFrame(t, `{"n":3}`))

	dec := NewFrameDecoder(iotest.OneByteReader(&stream), FramerConfig{})
	for i := 1; i <= 3; i++ {
		frame, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got := decodeObject(t, frame)["n"]; got != float64(i) {
			t.Errorf("frame %d n = %v", i, got)
		}
	}

	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	frame := mustFrame(t, `{"message":"version"}`)
	dec := NewFrameDecoder(bytes.NewReader(frame[:len(frame)-3]), FramerConfig{})

	_, err := dec.ReadFrame()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("partial frame error should wrap io.ErrUnexpectedEOF")
	}
}

func TestFrameDecoder_ErrorAfterGoodFrames(t *testing.T) {
	bad, _ := EncodeFrame([]byte("{oops"))
	stream := append(mustFrame(t, `{"n":1}`), bad...)
	dec := NewFrameDecoder(bytes.NewReader(stream), FramerConfig{})

	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("first ReadFrame failed: %v", err)
	}
	if _, err := dec.ReadFrame(); !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got %v", err)
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil), FramerConfig{})
	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFrameError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *FrameError
		want string
	}{
		{
			name: "without wrapped error",
			err:  &FrameError{Kind: FrameErrorTooLarge, Msg: "frame too large"},
			want: "frame too large",
		},
		{
			name: "with wrapped error",
			err:  &FrameError{Kind: FrameErrorPartial, Msg: "stream ended", Err: io.ErrUnexpectedEOF},
			want: "stream ended: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsFatalFrameError_NonFrameError(t *testing.T) {
	if IsFatalFrameError(errors.New("some other error")) {
		t.Error("non-FrameError should not be fatal")
	}
	if IsFatalFrameError(nil) {
		t.Error("nil should not be fatal")
	}
}

func TestFrameErrorKind_String(t *testing.T) {
	kinds := map[FrameErrorKind]string{
		FrameErrorTooLarge: "too_large",
		FrameErrorDecode:   "decode",
		FrameErrorProtocol: "protocol",
		FrameErrorPartial:  "partial",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
