package signaling

import (
	"context"
	"errors"
)

var (
	ErrNotConnected  = errors.New("signaling transport is not connected")
	ErrGatewayClosed = errors.New("signaling gateway is closed")
	ErrSendQueueFull = errors.New("signaling send queue is full")
)

// Ephemeral identity assigned by the signaling transport to a connection.
// It is not stable across reconnects and must be treated as an opaque key.
type ParticipantID string

func (id ParticipantID) String() string {
	return string(id)
}

// Gateway delivers room-scoped events between participants. Events from one sender to
// one receiver arrive in the order they were sent; nothing is guaranteed across senders.
type Gateway interface {
	// Connects to the transport (or waits for the pending connection) and returns the
	// identity assigned to this connection. Returns immediately if already connected.
	Connect(ctx context.Context) (ParticipantID, error)
	// Queues a message for delivery. Must not block on the network.
	Send(msg Message) error
	// Inbound messages of the current connection. The channel is closed once the
	// connection is lost or the gateway is closed. Only valid after `Connect()`.
	Events() <-chan Message
	// Closes the gateway for good.
	Close() error
}
