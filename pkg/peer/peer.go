package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/matrix-org/meshcam/pkg/channel"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrCantCreatePeerConnection   = errors.New("can't create peer connection")
	ErrCantSetRemoteDescription   = errors.New("can't set remote description")
	ErrCantCreateAnswer           = errors.New("can't create answer")
	ErrCantCreateOffer            = errors.New("can't create offer")
	ErrCantSetLocalDescription    = errors.New("can't set local description")
	ErrCantCreateLocalDescription = errors.New("can't create local description")
	ErrCantAddTrack               = errors.New("can't add track")
	ErrPeerTerminated             = errors.New("peer is terminated")
)

// Anything that is able to create pre-configured peer connections.
type ConnectionFactory interface {
	CreatePeerConnection() (*webrtc.PeerConnection, error)
	KeyFrameInterval() time.Duration
}

// A wrapped representation of the peer connection to a single remote participant.
// The peer gets information about the things happening outside via public methods
// and informs the outside world about the things happening inside the peer by posting
// the messages to the sink.
//
// The public methods are not safe for concurrent use: the peer is owned by a single
// goroutine. Only the WebRTC callbacks run elsewhere and they only talk to the sink.
type Peer[ID comparable] struct {
	logger           *logrus.Entry
	peerConnection   *webrtc.PeerConnection
	sink             *channel.SinkWithSender[ID, MessageContent]
	keyFrameInterval time.Duration

	// Remote ICE candidates that arrived before the remote description. Applied in order
	// once the remote description is set.
	pendingCandidates  []webrtc.ICECandidateInit
	negotiationStarted bool

	addCandidate func(webrtc.ICECandidateInit) error

	stop       chan struct{}
	terminated bool
	stopOnce   sync.Once
}

// Instantiates a new peer connection. No negotiation happens until either
// `CreateSDPOffer()` or `ProcessSDPOffer()` is called.
func NewPeer[ID comparable](
	factory ConnectionFactory,
	sink *channel.SinkWithSender[ID, MessageContent],
	logger *logrus.Entry,
) (*Peer[ID], error) {
	peerConnection, err := factory.CreatePeerConnection()
	if err != nil {
		logger.WithError(err).Error("failed to create peer connection")
		return nil, ErrCantCreatePeerConnection
	}

	peer := &Peer[ID]{
		logger:           logger,
		peerConnection:   peerConnection,
		sink:             sink,
		keyFrameInterval: factory.KeyFrameInterval(),
		stop:             make(chan struct{}),
	}
	peer.addCandidate = peerConnection.AddICECandidate

	peerConnection.OnTrack(peer.onRtpTrackReceived)
	peerConnection.OnICECandidate(peer.onICECandidateGathered)
	peerConnection.OnICEConnectionStateChange(peer.onICEConnectionStateChanged)
	peerConnection.OnICEGatheringStateChange(peer.onICEGatheringStateChanged)
	peerConnection.OnConnectionStateChange(peer.onConnectionStateChanged)
	peerConnection.OnSignalingStateChange(peer.onSignalingStateChanged)

	return peer, nil
}

// Closes peer connection. From this moment on, no new messages will be sent from the peer
// and the queued remote candidates are discarded.
func (p *Peer[ID]) Terminate() {
	p.stopOnce.Do(func() {
		// Seal first, so that the state changes caused by closing the connection stay silent.
		p.sink.Seal()
		p.terminated = true
		p.pendingCandidates = nil
		close(p.stop)

		if err := p.peerConnection.Close(); err != nil {
			p.logger.WithError(err).Error("failed to close peer connection")
		}
	})
}

// Attaches the given local tracks to the connection. The tracks are shared, not owned:
// terminating the peer never stops them.
func (p *Peer[ID]) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	if p.terminated {
		return ErrPeerTerminated
	}

	for _, track := range tracks {
		sender, err := p.peerConnection.AddTrack(track)
		if err != nil {
			p.logger.WithError(err).Error("failed to add track")
			return ErrCantAddTrack
		}

		go p.drainRTCP(sender)
	}

	return nil
}

// Generates an SDP offer and sets it as the local description.
func (p *Peer[ID]) CreateSDPOffer() (*webrtc.SessionDescription, error) {
	if p.terminated {
		return nil, ErrPeerTerminated
	}

	p.negotiationStarted = true

	offer, err := p.peerConnection.CreateOffer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create offer")
		return nil, ErrCantCreateOffer
	}

	if err := p.peerConnection.SetLocalDescription(offer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return nil, ErrCantSetLocalDescription
	}

	sdpOffer := p.peerConnection.LocalDescription()
	if sdpOffer == nil {
		p.logger.Error("could not generate a local description")
		return nil, ErrCantCreateLocalDescription
	}

	return sdpOffer, nil
}

// Applies the SDP offer received from the remote peer and generates an SDP answer.
func (p *Peer[ID]) ProcessSDPOffer(sdpOffer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if p.terminated {
		return nil, ErrPeerTerminated
	}

	p.negotiationStarted = true

	if err := p.peerConnection.SetRemoteDescription(sdpOffer); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return nil, ErrCantSetRemoteDescription
	}

	p.flushPendingCandidates()

	answer, err := p.peerConnection.CreateAnswer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create answer")
		return nil, ErrCantCreateAnswer
	}

	if err := p.peerConnection.SetLocalDescription(answer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return nil, ErrCantSetLocalDescription
	}

	sdpAnswer := p.peerConnection.LocalDescription()
	if sdpAnswer == nil {
		p.logger.Error("could not generate a local description")
		return nil, ErrCantCreateLocalDescription
	}

	return sdpAnswer, nil
}

// Processes the SDP answer received from the remote peer.
func (p *Peer[ID]) ProcessSDPAnswer(sdpAnswer webrtc.SessionDescription) error {
	if p.terminated {
		return ErrPeerTerminated
	}

	if err := p.peerConnection.SetRemoteDescription(sdpAnswer); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return ErrCantSetRemoteDescription
	}

	p.flushPendingCandidates()
	return nil
}

// Applies a remote ICE candidate, or queues it if the remote description is not known yet.
func (p *Peer[ID]) ProcessRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if p.terminated {
		return
	}

	if p.peerConnection.RemoteDescription() == nil {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.logger.WithField("queued", len(p.pendingCandidates)).Debug("queued remote ICE candidate")
		return
	}

	p.applyCandidate(candidate)
}

// Number of remote candidates waiting for the remote description.
func (p *Peer[ID]) PendingCandidates() int {
	return len(p.pendingCandidates)
}

// Tells whether we've sent an offer and are waiting for the answer.
func (p *Peer[ID]) HasLocalOffer() bool {
	return p.peerConnection.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// Tells whether an offer has been created or processed on this peer.
func (p *Peer[ID]) NegotiationStarted() bool {
	return p.negotiationStarted
}

// Tells whether both sides' descriptions are in place.
func (p *Peer[ID]) Negotiated() bool {
	return p.peerConnection.SignalingState() == webrtc.SignalingStateStable &&
		p.peerConnection.RemoteDescription() != nil
}

func (p *Peer[ID]) flushPendingCandidates() {
	pending := p.pendingCandidates
	p.pendingCandidates = nil

	for _, candidate := range pending {
		p.applyCandidate(candidate)
	}
}

func (p *Peer[ID]) applyCandidate(candidate webrtc.ICECandidateInit) {
	if err := p.addCandidate(candidate); err != nil {
		p.logger.WithError(err).Error("failed to add ICE candidate")
	}
}

// Reads RTCP from the sender so that the interceptors keep working. Ends once the
// connection is closed.
func (p *Peer[ID]) drainRTCP(sender *webrtc.RTPSender) {
	buffer := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buffer); err != nil {
			return
		}
	}
}
