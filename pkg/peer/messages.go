package peer

import "github.com/pion/webrtc/v3"

// Due to the limitation of Go, we're using the `interface{}` to be able to use switch the actual
// type of the message on runtime. The underlying types do not necessary need to be structures.
type MessageContent = interface{}

type NewICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

type ICEGatheringComplete struct{}

// The first remote video track has arrived: media is flowing.
type RemoteTrackReceived struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

type ConnectionEstablished struct{}

// The connection failed, got disconnected or was closed by the remote side.
type ConnectionLost struct {
	State webrtc.PeerConnectionState
}
