package mesh

import "fmt"

// Local sharing state of the coordinator.
type SharingState int

const (
	// Not sharing. Nothing is captured and no links exist.
	SharingIdle SharingState = iota
	// Waiting for the local capture (and the signaling transport).
	SharingAcquiring
	// Capture is running and our presence is announced in the room.
	SharingAnnounced
)

func (s SharingState) String() string {
	switch s {
	case SharingIdle:
		return "idle"
	case SharingAcquiring:
		return "acquiring"
	case SharingAnnounced:
		return "announced"
	default:
		return fmt.Sprintf("SharingState(%d)", int(s))
	}
}

// State of a link to a single remote participant.
type LinkState int

const (
	LinkNegotiating LinkState = iota
	// Remote media has arrived.
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}
