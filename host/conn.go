// Package host owns the byte stream to the external host process: spawning
// it, writing framed requests and pumping decoded replies back as events.
//
// The connection state machine itself (Disconnected, Connecting, Ready,
// Rejected) is driven by the router, which is the single consumer of the
// events a Conn emits.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/types"
)

// DefaultOutboxSize bounds frames queued for the writer.
const DefaultOutboxSize = 256

var (
	// ErrConnClosed is returned by Send after Close or a stream failure.
	ErrConnClosed = errors.New("host connection closed")
	// ErrOutboxFull is returned by Send when the writer is backed up.
	ErrOutboxFull = errors.New("host outbox full")
)

// Event is emitted by a Conn's reader. Exactly one event per Conn has
// Closed set, and it is the last one.
type Event struct {
	// Gen identifies the Conn that produced the event.
	Gen uint64
	// Reply is a decoded host reply. Nil on the closing event.
	Reply types.Reply
	// Closed marks the end of the stream.
	Closed bool
	// Err is the reason the stream ended. Nil on a clean EOF.
	Err error
	// Exit is the host exit status when it could be reaped.
	Exit *ExitResult
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	Framer     ipc.FramerConfig
	OutboxSize int
	Logger     *log.Logger
}

// Conn is one live host stream. Frames written through Send are serialized
// by a single writer goroutine; a reader goroutine decodes replies into the
// events channel supplied to Dial.
type Conn struct {
	gen       uint64
	transport Transport
	outbox    chan []byte
	events    chan<- Event
	logger    *log.Logger

	done      chan struct{}
	closeOnce sync.Once
	// stopped is closed when the reader has finished.
	stopped chan struct{}

	mu      sync.Mutex
	failure error
}

// Dial launches a host, queues the version probe and starts the pumps.
// Every event carries gen.
func Dial(ctx context.Context, launcher Launcher, gen uint64, config ConnConfig, events chan<- Event) (*Conn, error) {
	transport, err := launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}

	size := config.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}

	c := &Conn{
		gen:       gen,
		transport: transport,
		outbox:    make(chan []byte, size),
		events:    events,
		logger:    logger,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	if err := c.Send(ipc.VersionProbe()); err != nil {
		_ = transport.Kill()
		return nil, fmt.Errorf("failed to queue version probe: %w", err)
	}

	go c.writeLoop()
	go c.readLoop(config.Framer)
	return c, nil
}

// Gen returns the connection generation.
func (c *Conn) Gen() uint64 {
	return c.gen
}

// Send queues payload as one frame. It never blocks.
func (c *Conn) Send(payload []byte) error {
	frame, err := ipc.EncodeFrame(payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	case <-c.stopped:
		return ErrConnClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close tears the stream down and kills the host. The reader still reaps
// the process but its closing event is discarded.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Kill()
	})
	return err
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
	_ = c.transport.Kill()
}

func (c *Conn) failureErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Conn) writeLoop() {
	w := c.transport.Stdin()
	for {
		select {
		case <-c.done:
			return
		case <-c.stopped:
			return
		case frame := <-c.outbox:
			if _, err := w.Write(frame); err != nil {
				c.fail(fmt.Errorf("failed to write frame: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop(framer ipc.FramerConfig) {
	decoder := ipc.NewFrameDecoder(c.transport.Stdout(), framer)

	var streamErr error
	for {
		payload, err := decoder.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}

		reply, err := ipc.DecodeReply(payload)
		if err != nil {
			streamErr = err
			break
		}
		if !c.emit(Event{Gen: c.gen, Reply: reply}) {
			break
		}
	}

	if streamErr != nil {
		c.fail(streamErr)
	} else if failure := c.failureErr(); failure != nil {
		streamErr = failure
	}

	// Unblock the host if it is still running, then reap it.
	_ = c.transport.Kill()
	exit, err := c.transport.Wait()
	if err != nil {
		c.logger.Debug("host wait failed", map[string]any{"gen": c.gen, "error": err.Error()})
	}
	close(c.stopped)

	c.emit(Event{Gen: c.gen, Closed: true, Err: streamErr, Exit: exit})
}

// emit delivers ev unless the Conn was closed by its owner.
func (c *Conn) emit(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
