package registry

import (
	"errors"
	"sync"

	"github.com/nzilbb/jsendpraat/types"
)

// Channel delivery errors.
var (
	ErrChannelClosed = errors.New("channel closed")
	ErrChannelFull   = errors.New("channel full")
)

// ChanChannel is a buffered Go channel of replies. Deliver drops the reply
// when the buffer is full or the channel is closed.
type ChanChannel struct {
	mu     sync.Mutex
	ch     chan types.Reply
	closed bool
}

// NewChanChannel creates a channel buffering up to size replies.
func NewChanChannel(size int) *ChanChannel {
	if size < 1 {
		size = 1
	}
	return &ChanChannel{ch: make(chan types.Reply, size)}
}

// Deliver implements Channel.
func (c *ChanChannel) Deliver(reply types.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.ch <- reply:
		return nil
	default:
		return ErrChannelFull
	}
}

// C returns the receive side.
func (c *ChanChannel) C() <-chan types.Reply {
	return c.ch
}

// Close closes the receive side. Later deliveries return ErrChannelClosed.
func (c *ChanChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
