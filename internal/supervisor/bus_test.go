package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/herald/internal/envelope"
)

func TestBrokerBus_ForwardsInOrder(t *testing.T) {
	broker := NewPacketBroker()
	defer broker.Close()

	bus := NewBrokerBus(broker)
	defer bus.Close()

	origin := ProcessInfo{Name: "w", ID: 3}
	for i := range 5 {
		PublishMessage(broker, origin, envelope.Message{
			Type: envelope.MsgType,
			Data: envelope.Data{"event": "tick", "n": i},
		})
	}

	for i := range 5 {
		select {
		case p := <-bus.Packets():
			require.Equal(t, "w", p.Process.Name)
			require.Equal(t, 3, p.Process.ID)
			require.Equal(t, envelope.MsgType, p.Type)
			require.Equal(t, i, p.Data["n"])
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for packet")
		}
	}
}

func TestBrokerBus_CloseEndsPackets(t *testing.T) {
	broker := NewPacketBroker()
	defer broker.Close()

	bus := NewBrokerBus(broker)
	bus.Close()
	bus.Close()

	select {
	case _, ok := <-bus.Packets():
		require.False(t, ok)
	case <-time.After(time.Second):
		require.Fail(t, "packets channel not closed")
	}
}

func TestBrokerBus_BrokerCloseEndsPackets(t *testing.T) {
	broker := NewPacketBroker()
	bus := NewBrokerBus(broker)
	defer bus.Close()

	broker.Close()

	select {
	case _, ok := <-bus.Packets():
		require.False(t, ok)
	case <-time.After(time.Second):
		require.Fail(t, "packets channel not closed")
	}
}
