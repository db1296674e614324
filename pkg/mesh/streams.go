package mesh

import (
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/pion/webrtc/v3"
)

// Incoming video of a remote participant.
type RemoteStream struct {
	Participant signaling.ParticipantID
	// The caller is expected to read from the track (e.g. to render it).
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Remote streams of connected links keyed by the remote participant.
type RemoteStreamTable map[signaling.ParticipantID]RemoteStream
