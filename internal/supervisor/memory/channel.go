package memory

import (
	"context"
	"io"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
)

// channel is the worker.Channel of an in-process worker. Inbound envelopes
// are queued in a bounded inbox; outbound messages go straight to the bus.
type channel struct {
	inbox   chan envelope.Envelope
	closed  chan struct{}
	once    sync.Once
	publish func(envelope.Message)
}

func newChannel(size int, publish func(envelope.Message)) *channel {
	return &channel{
		inbox:   make(chan envelope.Envelope, size),
		closed:  make(chan struct{}),
		publish: publish,
	}
}

// Receive drains queued envelopes before reporting io.EOF on a closed channel.
func (c *channel) Receive(ctx context.Context) (envelope.Envelope, error) {
	select {
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	case <-c.closed:
		select {
		case env := <-c.inbox:
			return env, nil
		default:
			return envelope.Envelope{}, io.EOF
		}
	case env := <-c.inbox:
		return env, nil
	}
}

func (c *channel) Send(msg envelope.Message) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	wire, err := viaJSON(msg, envelope.DecodeMessage)
	if err != nil {
		return err
	}
	c.publish(wire)
	return nil
}

// deliver queues env without blocking. It reports false when the inbox is
// full or closed.
func (c *channel) deliver(env envelope.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.inbox <- env:
		return true
	default:
		return false
	}
}

func (c *channel) close() {
	c.once.Do(func() { close(c.closed) })
}
