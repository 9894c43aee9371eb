package supervisor

import (
	"context"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/pubsub"
)

// DefaultBusBuffer is the number of packets a bus subscriber may lag behind
// before further packets are dropped.
const DefaultBusBuffer = 1024

// NewPacketBroker creates the broker a backend publishes worker packets on.
// Packets are dropped, with a warning, for subscribers that fall behind.
func NewPacketBroker() *pubsub.Broker[envelope.Packet] {
	return pubsub.NewBroker[envelope.Packet](
		pubsub.WithBuffer(DefaultBusBuffer),
		pubsub.WithDropHandler(func(t pubsub.EventType) {
			log.Warn(log.CatBus, "bus subscriber full, packet dropped", "type", t)
		}),
	)
}

// PublishMessage wraps a worker message into a Packet tagged with its origin
// and publishes it.
func PublishMessage(broker *pubsub.Broker[envelope.Packet], origin ProcessInfo, msg envelope.Message) {
	broker.Publish(pubsub.MessageEvent, envelope.Packet{
		Process: envelope.ProcessRef{Name: origin.Name, ID: origin.ID},
		Data:    msg.Data,
		Type:    msg.Type,
	})
}

// PublishExit announces that origin has exited. The packet carries the
// process:exit type, so message routing ignores it.
func PublishExit(broker *pubsub.Broker[envelope.Packet], origin ProcessInfo, status Status) {
	broker.Publish(pubsub.ExitEvent, envelope.Packet{
		Process: envelope.ProcessRef{Name: origin.Name, ID: origin.ID},
		Data:    envelope.Data{"status": string(status)},
		Type:    string(pubsub.ExitEvent),
	})
}

// brokerBus adapts a broker subscription to the Bus interface.
type brokerBus struct {
	out    chan envelope.Packet
	cancel context.CancelFunc
	once   sync.Once
}

// NewBrokerBus subscribes to broker and exposes the packets as a Bus.
func NewBrokerBus(broker *pubsub.Broker[envelope.Packet]) Bus {
	ctx, cancel := context.WithCancel(context.Background())
	in := broker.Subscribe(ctx)

	b := &brokerBus{
		out:    make(chan envelope.Packet),
		cancel: cancel,
	}

	log.SafeGo("supervisor.busForward", func() {
		defer close(b.out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case b.out <- ev.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return b
}

func (b *brokerBus) Packets() <-chan envelope.Packet {
	return b.out
}

func (b *brokerBus) Close() {
	b.once.Do(b.cancel)
}
