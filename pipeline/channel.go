package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Receive when the producer went away
// without sending Eos, and by Send when the channel was closed.
var ErrChannelClosed = errors.New("channel closed")

// DefaultChannelCapacity is the number of messages an edge buffers before
// Send blocks.
const DefaultChannelCapacity = 128

// Channel is a bounded FIFO carrying the messages of one edge.
type Channel struct {
	name string
	ch   chan Message

	mu      sync.Mutex
	sentEos bool
	seenEos bool
	aborted chan struct{}
	once    sync.Once
}

func NewChannel(name string, capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Channel{
		name:    name,
		ch:      make(chan Message, capacity),
		aborted: make(chan struct{}),
	}
}

func (c *Channel) Name() string {
	return c.name
}

// Len returns the number of buffered messages.
func (c *Channel) Len() int {
	return len(c.ch)
}

func (c *Channel) Cap() int {
	return cap(c.ch)
}

// Send enqueues msg, blocking while the channel is full. Sending Eos a
// second time is a no-op; anything else sent after Eos or Close fails
// with ErrChannelClosed.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	_, eos := msg.(Eos)

	c.mu.Lock()
	sent := c.sentEos
	c.mu.Unlock()
	if sent {
		if eos {
			return nil
		}
		return ErrChannelClosed
	}

	select {
	case <-c.aborted:
		return ErrChannelClosed
	default:
	}

	select {
	case c.ch <- msg:
	case <-c.aborted:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if eos {
		c.mu.Lock()
		c.sentEos = true
		c.mu.Unlock()
	}
	return nil
}

// Receive dequeues the next message, blocking while the channel is empty.
// After Eos has been received every further call returns Eos again. If
// the channel was closed without Eos, buffered messages are still
// delivered, then ErrChannelClosed.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	c.mu.Lock()
	seen := c.seenEos
	c.mu.Unlock()
	if seen {
		return Eos{}, nil
	}

	select {
	case msg := <-c.ch:
		return c.received(msg), nil
	case <-c.aborted:
		select {
		case msg := <-c.ch:
			return c.received(msg), nil
		default:
			return nil, ErrChannelClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) received(msg Message) Message {
	if _, ok := msg.(Eos); ok {
		c.mu.Lock()
		c.seenEos = true
		c.mu.Unlock()
	}
	return msg
}

// Close aborts the channel. Blocked senders fail with ErrChannelClosed
// and the consumer sees ErrChannelClosed once the buffer is drained,
// unless Eos was already sent. Close is idempotent.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.aborted) })
}
