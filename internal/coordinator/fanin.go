package coordinator

import (
	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/pubsub"
	"github.com/zjrosen/herald/internal/supervisor"
)

// fanIn drains bus until it closes, routing each packet by process name.
// Packets from one worker keep their order because a single goroutine
// delivers all of them.
func (c *Coordinator) fanIn(bus supervisor.Bus) {
	log.Debug(log.CatBus, "fan-in started", "session", c.session)
	for pkt := range bus.Packets() {
		c.route(pkt)
	}
	log.Debug(log.CatBus, "fan-in stopped", "session", c.session)
}

func (c *Coordinator) route(pkt envelope.Packet) {
	switch pkt.Type {
	case envelope.MsgType:
	case string(pubsub.ExitEvent):
		c.ids.Invalidate(pkt.Process.Name)
		if !c.flags.Enabled(flags.FlagExitEvents) {
			return
		}
		pkt.Data = pkt.Data.WithEvent(ExitEvent)
	default:
		log.Debug(log.CatBus, "ignoring packet", "type", pkt.Type, "process", pkt.Process.Name)
		return
	}

	h, ok := c.Handle(pkt.Process.Name)
	if !ok {
		log.Debug(log.CatBus, "no route for packet", "process", pkt.Process.Name, "event", pkt.Data.Event())
		return
	}
	h.Handle(pkt)
}
