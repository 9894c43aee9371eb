package supervisor

import (
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
	"github.com/zjrosen/herald/internal/pubsub"
)

// Session is the connection state backends share: while open it owns the
// packet broker that every Bus subscribes to. The zero value is closed.
type Session struct {
	mu     sync.RWMutex
	broker *pubsub.Broker[envelope.Packet]
}

// Open starts a session. It reports false if one was already open.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broker != nil {
		return false
	}
	s.broker = NewPacketBroker()
	return true
}

// Close ends the session and closes every bus launched from it. It reports
// false if no session was open.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broker == nil {
		return false
	}
	s.broker.Close()
	s.broker = nil
	return true
}

// Connected reports whether a session is open.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker != nil
}

// Bus launches a new bus on the open session.
func (s *Session) Bus() (Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broker == nil {
		return nil, ErrNotConnected
	}
	return NewBrokerBus(s.broker), nil
}

// Publish forwards a worker message. It is dropped when no session is open.
func (s *Session) Publish(origin ProcessInfo, msg envelope.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broker != nil {
		PublishMessage(s.broker, origin, msg)
	}
}

// PublishExit announces that origin exited with status.
func (s *Session) PublishExit(origin ProcessInfo, status Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.broker != nil {
		PublishExit(s.broker, origin, status)
	}
}
