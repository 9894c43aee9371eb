package worker

import (
	"context"
	"io"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
)

// Channel is a worker's single raw link to its supervisor: one inbound stream
// of envelopes and one outbound stream of messages.
type Channel interface {
	// Receive blocks for the next inbound envelope. It returns io.EOF once the
	// supervisor side is gone.
	Receive(ctx context.Context) (envelope.Envelope, error)
	// Send writes one outbound message.
	Send(msg envelope.Message) error
}

// StreamChannel speaks JSON lines over a reader/writer pair, normally the
// process's stdin and stdout.
type StreamChannel struct {
	in   io.Reader
	out  io.Writer
	wmu  sync.Mutex
	once sync.Once
	recv chan envelope.Envelope
	err  error

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamChannel creates a channel reading envelopes from in and writing
// messages to out.
func NewStreamChannel(in io.Reader, out io.Writer) *StreamChannel {
	return &StreamChannel{
		in:   in,
		out:  out,
		recv: make(chan envelope.Envelope),
		done: make(chan struct{}),
	}
}

// Close stops delivery of inbound envelopes. A line already read but not yet
// received is dropped. Send keeps working.
func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Send writes msg as a single JSON line.
func (c *StreamChannel) Send(msg envelope.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return envelope.WriteLine(c.out, msg)
}

// Receive returns the next well-formed envelope. Malformed lines are logged
// and skipped.
func (c *StreamChannel) Receive(ctx context.Context) (envelope.Envelope, error) {
	c.once.Do(func() { go c.readLoop() })

	select {
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	case <-c.done:
		return envelope.Envelope{}, io.EOF
	case env, ok := <-c.recv:
		if !ok {
			if c.err != nil {
				return envelope.Envelope{}, c.err
			}
			return envelope.Envelope{}, io.EOF
		}
		return env, nil
	}
}

func (c *StreamChannel) readLoop() {
	defer close(c.recv)

	s := envelope.NewLineScanner(c.in)
	for s.Scan() {
		env, err := envelope.DecodeEnvelope(s.Bytes())
		if err != nil {
			log.Warn(log.CatWorker, "skipping malformed inbound line", "error", err)
			continue
		}
		select {
		case c.recv <- env:
		case <-c.done:
			return
		}
	}
	// recv is closed after err is set, so readers see it.
	c.err = s.Err()
}
