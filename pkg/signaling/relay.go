package signaling

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A function that hands a message over to a connection. Returns `false` if the message
// could not be delivered (e.g. the connection is gone or its queue is full).
type DeliverFunc func(Message) bool

// Relay routes signaling messages between the connections it knows about. It keeps
// track of who is sharing in which room, answers `announce` with a `peer-list` and
// fans out `peer-joined`/`peer-left`. Point-to-point messages are stamped with the
// sender and forwarded to the target as is. The relay knows nothing about media.
type Relay struct {
	logger *logrus.Entry

	mutex       sync.Mutex
	connections map[ParticipantID]DeliverFunc
	// Room ID -> set of participants that announced themselves in that room.
	rooms map[string]map[ParticipantID]struct{}
}

func NewRelay(logger *logrus.Entry) *Relay {
	return &Relay{
		logger:      logger,
		connections: make(map[ParticipantID]DeliverFunc),
		rooms:       make(map[string]map[ParticipantID]struct{}),
	}
}

// Registers a new connection under the given identity.
func (r *Relay) Register(id ParticipantID, deliver DeliverFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.connections[id] = deliver
	r.logger.WithField("socket_id", id).Debug("connection registered")
}

// Forgets the connection. Every room the participant was sharing in is informed
// that the participant left, exactly as if it sent `leave` to each of them.
func (r *Relay) Unregister(id ParticipantID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for roomID, members := range r.rooms {
		if _, found := members[id]; found {
			r.leave(roomID, id)
		}
	}

	delete(r.connections, id)
	r.logger.WithField("socket_id", id).Debug("connection unregistered")
}

// Handles a message sent by the given connection.
func (r *Relay) Dispatch(from ParticipantID, msg Message) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	logger := r.logger.WithFields(logrus.Fields{
		"socket_id": from,
		"room_id":   msg.RoomID,
		"kind":      msg.Kind,
	})

	if _, registered := r.connections[from]; !registered {
		logger.Warn("ignoring message from unknown connection")
		return
	}

	switch msg.Kind {
	case KindAnnounce:
		r.announce(msg.RoomID, from)
	case KindLeave:
		r.leave(msg.RoomID, from)
	case KindOffer, KindAnswer, KindICECandidate:
		msg.SocketID = from
		if !r.deliver(msg.TargetSocketID, msg) {
			logger.WithField("target_id", msg.TargetSocketID).Debug("dropping message for unknown target")
		}
	default:
		logger.Warn("ignoring message of unexpected kind")
	}
}

// Returns the sorted list of participants sharing in a room.
func (r *Relay) Members(roomID string) []ParticipantID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.members(roomID)
}

func (r *Relay) announce(roomID string, from ParticipantID) {
	members, found := r.rooms[roomID]
	if !found {
		members = make(map[ParticipantID]struct{})
		r.rooms[roomID] = members
	}

	if _, already := members[from]; already {
		r.logger.WithField("socket_id", from).Debug("participant announced twice")
		return
	}

	// The newcomer learns about everyone who is already there...
	r.deliver(from, Message{Kind: KindPeerList, RoomID: roomID, Peers: r.members(roomID)})

	// ... and everyone who is already there learns about the newcomer.
	for member := range members {
		r.deliver(member, Message{Kind: KindPeerJoined, RoomID: roomID, SocketID: from})
	}

	members[from] = struct{}{}
}

func (r *Relay) leave(roomID string, from ParticipantID) {
	members, found := r.rooms[roomID]
	if !found {
		return
	}

	if _, member := members[from]; !member {
		return
	}

	delete(members, from)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}

	for member := range members {
		r.deliver(member, Message{Kind: KindPeerLeft, RoomID: roomID, SocketID: from})
	}
}

func (r *Relay) members(roomID string) []ParticipantID {
	members := maps.Keys(r.rooms[roomID])
	slices.Sort(members)
	return members
}

func (r *Relay) deliver(to ParticipantID, msg Message) bool {
	deliver, found := r.connections[to]
	if !found {
		return false
	}

	if !deliver(msg) {
		r.logger.WithFields(logrus.Fields{"target_id": to, "kind": msg.Kind}).Warn("failed to deliver message")
		return false
	}

	return true
}
