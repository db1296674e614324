package signaling

import (
	"context"
	"sync"
)

const memoryQueueSize = 256

// In-process gateway attached directly to a `Relay`. Useful to run several coordinators
// inside one process (tests, demos) with a fixed, caller-chosen identity.
type MemoryGateway struct {
	relay *Relay
	id    ParticipantID

	// Serializes connecting and disconnecting. Held while talking to the relay,
	// which in turn calls `deliver()` under its own lock, so `deliver()` must
	// never wait for this one.
	lifecycle sync.Mutex

	mutex     sync.Mutex
	events    chan Message
	connected bool
	closed    bool
}

func NewMemoryGateway(relay *Relay, id ParticipantID) *MemoryGateway {
	return &MemoryGateway{relay: relay, id: id}
}

func (g *MemoryGateway) Connect(ctx context.Context) (ParticipantID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return "", ErrGatewayClosed
	}

	if g.connected {
		g.mutex.Unlock()
		return g.id, nil
	}

	events := make(chan Message, memoryQueueSize)
	g.events = events
	g.connected = true
	g.mutex.Unlock()

	g.relay.Register(g.id, func(msg Message) bool {
		return g.deliver(events, msg)
	})

	return g.id, nil
}

func (g *MemoryGateway) Send(msg Message) error {
	g.mutex.Lock()
	connected := g.connected
	g.mutex.Unlock()

	if !connected {
		return ErrNotConnected
	}

	g.relay.Dispatch(g.id, msg)
	return nil
}

func (g *MemoryGateway) Events() <-chan Message {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.events
}

// Drops the current connection as if the transport failed. The gateway can connect again.
func (g *MemoryGateway) Disconnect() {
	g.drop(false)
}

func (g *MemoryGateway) Close() error {
	g.drop(true)
	return nil
}

func (g *MemoryGateway) drop(forGood bool) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mutex.Lock()
	wasConnected := g.connected
	if forGood {
		g.closed = true
	}
	if g.connected {
		close(g.events)
		g.connected = false
	}
	g.mutex.Unlock()

	if wasConnected {
		g.relay.Unregister(g.id)
	}
}

func (g *MemoryGateway) deliver(events chan Message, msg Message) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	// The relay may still hold a delivery function of a connection we've already dropped.
	if !g.connected || g.events != events {
		return false
	}

	select {
	case events <- msg:
		return true
	default:
		return false
	}
}
