// Package hosttest provides an in-memory host process for tests.
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/ipc"
)

// FakeHost plays the external process over io.Pipes. Requests written by
// the bridge are read with ReadRequest; replies are injected with Send.
type FakeHost struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	requests *ipc.FrameDecoder
	raw      bool

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

// New creates a fake host. When raw is true replies are written without a
// length prefix, like a host started with --suppress-message-size.
func New(raw bool) *FakeHost {
	h := &FakeHost{raw: raw, exited: make(chan struct{})}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.requests = ipc.NewFrameDecoder(h.stdinR, ipc.FramerConfig{})
	return h
}

// Stdin implements host.Transport.
func (h *FakeHost) Stdin() io.Writer { return h.stdinW }

// Stdout implements host.Transport.
func (h *FakeHost) Stdout() io.Reader { return h.stdoutR }

// Wait implements host.Transport.
func (h *FakeHost) Wait() (*host.ExitResult, error) {
	<-h.exited
	return &host.ExitResult{ExitCode: h.code}, nil
}

// Kill implements host.Transport.
func (h *FakeHost) Kill() error {
	h.Exit(-1)
	return nil
}

// Exit ends the fake process: its stdout reaches EOF and writes to its
// stdin fail.
func (h *FakeHost) Exit(code int) {
	h.exitOnce.Do(func() {
		h.code = code
		_ = h.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = h.stdoutW.Close()
		close(h.exited)
	})
}

// Exited is closed once the fake process has ended.
func (h *FakeHost) Exited() <-chan struct{} {
	return h.exited
}

// ReadRequest returns the next request frame the bridge wrote, decoded.
func (h *FakeHost) ReadRequest() (map[string]any, error) {
	payload, err := h.requests.ReadFrame()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Send writes v as one reply.
func (h *FakeHost) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendRaw(payload)
}

// SendRaw writes payload, framed unless the fake is in raw mode.
func (h *FakeHost) SendRaw(payload []byte) error {
	data := payload
	if !h.raw {
		frame, err := ipc.EncodeFrame(payload)
		if err != nil {
			return err
		}
		data = frame
	}
	_, err := h.stdoutW.Write(data)
	return err
}

// SendBytes writes data to stdout as is.
func (h *FakeHost) SendBytes(data []byte) error {
	_, err := h.stdoutW.Write(data)
	return err
}

// Launcher hands out a new FakeHost per launch.
type Launcher struct {
	mu       sync.Mutex
	raw      bool
	err      error
	launches int
	hosts    chan *FakeHost
}

// NewLauncher creates a launcher of fake hosts.
func NewLauncher(raw bool) *Launcher {
	return &Launcher{raw: raw, hosts: make(chan *FakeHost, 16)}
}

// FailWith makes subsequent launches return err. Nil restores launching.
func (l *Launcher) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Launch implements host.Launcher.
func (l *Launcher) Launch(_ context.Context) (host.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	h := New(l.raw)
	l.hosts <- h
	return h, nil
}

// Launches returns the number of launch attempts.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// ErrNoLaunch is returned by Next when no host was launched in time.
var ErrNoLaunch = errors.New("no host launched")

// Next waits for the next launched host.
func (l *Launcher) Next(timeout time.Duration) (*FakeHost, error) {
	select {
	case h := <-l.hosts:
		return h, nil
	case <-time.After(timeout):
		return nil, ErrNoLaunch
	}
}

var (
	_ host.Transport = (*FakeHost)(nil)
	_ host.Launcher  = (*Launcher)(nil)
)
