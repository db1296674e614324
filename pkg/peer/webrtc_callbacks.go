package peer

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// A callback that is called once we receive first RTP packets from a track, i.e.
// we call this function each time a new track is received.
func (p *Peer[ID]) onRtpTrackReceived(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	logger := p.logger.WithFields(logrus.Fields{
		"track_id": remoteTrack.ID(),
		"kind":     remoteTrack.Kind().String(),
		"codec":    remoteTrack.Codec().MimeType,
	})

	if remoteTrack.Kind() != webrtc.RTPCodecTypeVideo {
		logger.Warn("ignoring non-video remote track")
		return
	}

	if p.sink.Sealed() {
		logger.Debug("ignoring remote track of a terminated peer")
		return
	}

	logger.Info("remote video track received")
	go p.requestKeyFrames(remoteTrack)

	p.sink.Send(RemoteTrackReceived{Track: remoteTrack, Receiver: receiver})
}

// A callback that is called once we receive an ICE candidate for this peer connection.
func (p *Peer[ID]) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.logger.Info("ICE candidate gathering finished")
		p.sink.Send(ICEGatheringComplete{})
		return
	}

	p.logger.WithField("candidate", candidate).Debug("ICE candidate gathered")
	p.sink.Send(NewICECandidate{Candidate: candidate.ToJSON()})
}

func (p *Peer[ID]) onICEConnectionStateChanged(state webrtc.ICEConnectionState) {
	p.logger.Debugf("ICE connection state changed: %v", state)
}

func (p *Peer[ID]) onICEGatheringStateChanged(state webrtc.ICEGathererState) {
	p.logger.Debugf("ICE gathering state changed: %v", state)
}

func (p *Peer[ID]) onSignalingStateChanged(state webrtc.SignalingState) {
	p.logger.Debugf("signaling state changed: %v", state)
}

func (p *Peer[ID]) onConnectionStateChanged(state webrtc.PeerConnectionState) {
	p.logger.Infof("Connection state changed: %v", state)

	// No reconnection attempts: a lost connection is only re-established by a fresh
	// announcement of the remote participant.
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		p.sink.Send(ConnectionLost{State: state})
	case webrtc.PeerConnectionStateConnected:
		p.sink.Send(ConnectionEstablished{})
	}
}
