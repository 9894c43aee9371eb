package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Option configures a Broker.
type Option func(*options)

type options struct {
	bufferSize int
	blocking   bool
	onDrop     func(eventType EventType)
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(size int) Option {
	return func(o *options) {
		if size >= 0 {
			o.bufferSize = size
		}
	}
}

// WithBlockingDelivery makes Publish wait for every subscriber to accept the
// event instead of dropping it when a subscriber channel is full. A blocked
// Publish is released when the subscriber's context is cancelled or the broker
// is closed.
func WithBlockingDelivery() Option {
	return func(o *options) {
		o.blocking = true
	}
}

// WithDropHandler registers fn to be called whenever a non-blocking Publish
// drops an event for a full subscriber.
func WithDropHandler(fn func(eventType EventType)) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// Broker fans events out to any number of subscribers. Each subscriber gets its
// own channel, so events from one publisher arrive in publish order.
type Broker[T any] struct {
	subs    map[chan Event[T]]<-chan struct{}
	mu      sync.RWMutex
	closing chan struct{}
	once    sync.Once
	opts    options
}

// NewBroker creates a broker. Without options it uses a 64-slot buffer and
// drops events for subscribers that fall behind.
func NewBroker[T any](opts ...Option) *Broker[T] {
	o := options{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		subs:    make(map[chan Event[T]]<-chan struct{}),
		closing: make(chan struct{}),
		opts:    o,
	}
}

// NewBrokerWithBuffer creates a dropping broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return NewBroker[T](WithBuffer(size))
}

// Subscribe creates a new subscription channel.
// The channel is closed when ctx is cancelled or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.opts.bufferSize)
	b.subs[sub] = ctx.Done()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.closing:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to all subscribers and reports how many received it.
func (b *Broker[T]) Publish(eventType EventType, payload T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed() {
		return 0
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	delivered := 0
	for sub, gone := range b.subs {
		if b.opts.blocking {
			select {
			case sub <- event:
				delivered++
			case <-gone:
			case <-b.closing:
				return delivered
			}
			continue
		}
		select {
		case sub <- event:
			delivered++
		default:
			if b.opts.onDrop != nil {
				b.opts.onDrop(eventType)
			}
		}
	}
	return delivered
}

// Close shuts down the broker and closes all subscriber channels.
// It is safe to call more than once.
func (b *Broker[T]) Close() {
	b.once.Do(func() {
		// Release blocked publishers before taking the write lock.
		close(b.closing)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subs {
			close(sub)
		}
		b.subs = nil
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker[T]) isClosed() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}
