package signaling

import "github.com/pion/webrtc/v3"

type Kind string

const (
	KindAnnounce     Kind = "announce"
	KindLeave        Kind = "leave"
	KindPeerList     Kind = "peer-list"
	KindPeerJoined   Kind = "peer-joined"
	KindPeerLeft     Kind = "peer-left"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"

	// Sent by the relay as the very first frame of a websocket connection.
	KindConnected Kind = "connected"
)

// A single signaling message. Every message is scoped to a room.
type Message struct {
	Kind   Kind   `json:"kind"`
	RoomID string `json:"roomId"`
	// For peer-joined/peer-left: the participant in question. For point-to-point
	// messages: the sender, stamped by the relay.
	SocketID ParticipantID `json:"socketId,omitempty"`
	// Recipient of a point-to-point message.
	TargetSocketID ParticipantID              `json:"targetSocketId,omitempty"`
	Peers          []ParticipantID            `json:"peers,omitempty"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer         *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate      *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Tells whether the message is addressed to a single participant.
func (m Message) IsPointToPoint() bool {
	switch m.Kind {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	default:
		return false
	}
}

func NewAnnounce(roomID string) Message {
	return Message{Kind: KindAnnounce, RoomID: roomID}
}

func NewLeave(roomID string) Message {
	return Message{Kind: KindLeave, RoomID: roomID}
}

func NewOffer(roomID string, target ParticipantID, offer webrtc.SessionDescription) Message {
	return Message{Kind: KindOffer, RoomID: roomID, TargetSocketID: target, Offer: &offer}
}

func NewAnswer(roomID string, target ParticipantID, answer webrtc.SessionDescription) Message {
	return Message{Kind: KindAnswer, RoomID: roomID, TargetSocketID: target, Answer: &answer}
}

func NewICECandidate(roomID string, target ParticipantID, candidate webrtc.ICECandidateInit) Message {
	return Message{Kind: KindICECandidate, RoomID: roomID, TargetSocketID: target, Candidate: &candidate}
}
