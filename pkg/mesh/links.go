package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/meshcam/pkg/channel"
	"github.com/matrix-org/meshcam/pkg/peer"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrNegotiationTimeout = errors.New("link did not connect in time")

// Identifies a particular incarnation of a link. A remote participant may get several
// links over time; messages from an old one must not affect the current one.
type linkID struct {
	remote     signaling.ParticipantID
	generation uint64
}

// A connection to a single remote participant.
type link struct {
	id        linkID
	state     LinkState
	initiator bool
	peer      *peer.Peer[linkID]
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry
	// Fires if the link is still negotiating once the negotiation timeout is over.
	watchdog *time.Timer
}

// Posted by the watchdog of a link.
type negotiationTimedOut struct {
	id linkID
}

// Public information about a link.
type LinkInfo struct {
	Remote signaling.ParticipantID
	State  LinkState
	// Whether we've sent the offer.
	Initiator bool
	// Whether both session descriptions are in place.
	Negotiated bool
	// Remote ICE candidates waiting for the remote description.
	PendingCandidates int
}

// At most one link per remote participant.
type linkTable struct {
	links map[signaling.ParticipantID]*link
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[signaling.ParticipantID]*link)}
}

func (t *linkTable) get(remote signaling.ParticipantID) *link {
	return t.links[remote]
}

func (t *linkTable) add(link *link) {
	t.links[link.id.remote] = link
}

func (t *linkTable) remove(remote signaling.ParticipantID) *link {
	link := t.links[remote]
	delete(t.links, remote)
	return link
}

// Remote participants in a stable (sorted) order.
func (t *linkTable) remotes() []signaling.ParticipantID {
	remotes := maps.Keys(t.links)
	slices.Sort(remotes)
	return remotes
}

func (t *linkTable) len() int {
	return len(t.links)
}

// Returns the link for the given participant, creating it if it does not exist.
// A new link has the local tracks attached if we're capturing.
func (c *Coordinator) getOrCreateLink(remote signaling.ParticipantID) (*link, error) {
	if existing := c.links.get(remote); existing != nil {
		return existing, nil
	}

	c.generation++
	id := linkID{remote: remote, generation: c.generation}
	logger := c.logger.WithFields(logrus.Fields{"remote_id": remote, "link": id.generation})

	sink := channel.NewSink[linkID, peer.MessageContent](id, c.peerMessages)
	peerConnection, err := peer.NewPeer(c.factory, sink, logger)
	if err != nil {
		return nil, err
	}

	if c.stream != nil {
		if err := peerConnection.AddLocalTracks(c.stream.Tracks()); err != nil {
			peerConnection.Terminate()
			return nil, err
		}
	}

	newLink := &link{
		id:        id,
		state:     LinkNegotiating,
		peer:      peerConnection,
		logger:    logger,
		telemetry: c.linkTelemetry().StartPeerLink(remote.String(), id.generation),
	}
	newLink.watchdog = time.AfterFunc(c.config.negotiationTimeout(), func() {
		c.postResult(negotiationTimedOut{id: id})
	})
	c.links.add(newLink)

	logger.Info("link created")
	return newLink, nil
}

// Starts the negotiation with the given participant by sending an offer.
// Does nothing if the negotiation with that participant is already in progress.
func (c *Coordinator) initiate(remote signaling.ParticipantID) {
	link, err := c.getOrCreateLink(remote)
	if err != nil {
		c.recordLinkError(remote, err)
		return
	}

	if link.peer.NegotiationStarted() {
		link.logger.Debug("negotiation already started")
		return
	}

	offer, err := link.peer.CreateSDPOffer()
	if err != nil {
		c.failLink(link, err)
		return
	}

	link.initiator = true
	link.telemetry.AddEvent("offer sent")
	c.signaling.send(signaling.NewOffer(c.config.RoomID, remote, *offer))
}

// Answers an offer of a remote participant.
func (c *Coordinator) handleOffer(from signaling.ParticipantID, offer webrtc.SessionDescription) {
	logger := c.logger.WithField("remote_id", from)

	if !c.inRoom() {
		logger.Debug("dropping offer: not sharing")
		return
	}

	if existing := c.links.get(from); existing != nil && existing.peer.NegotiationStarted() {
		if existing.peer.HasLocalOffer() && c.selfID < from {
			// Glare: both sides sent an offer, the smaller identity wins and keeps its own.
			logger.Info("glare: ignoring remote offer, waiting for the answer to ours")
			existing.telemetry.AddEvent("glare: remote offer ignored")
			return
		}

		// Either the remote side won the glare or it started a brand new negotiation.
		logger.Info("remote participant restarted negotiation, replacing the link")
		c.closeLink(from)
	}

	link, err := c.getOrCreateLink(from)
	if err != nil {
		c.recordLinkError(from, err)
		return
	}

	answer, err := link.peer.ProcessSDPOffer(offer)
	if err != nil {
		c.failLink(link, err)
		return
	}

	link.initiator = false
	link.telemetry.AddEvent("answer sent")
	c.signaling.send(signaling.NewAnswer(c.config.RoomID, from, *answer))
}

// Completes the negotiation we've initiated.
func (c *Coordinator) handleAnswer(from signaling.ParticipantID, answer webrtc.SessionDescription) {
	link := c.links.get(from)
	if link == nil {
		c.logger.WithField("remote_id", from).Debug("dropping answer for unknown link")
		return
	}

	if !link.peer.HasLocalOffer() {
		link.logger.Debug("dropping unexpected answer")
		return
	}

	if err := link.peer.ProcessSDPAnswer(answer); err != nil {
		c.failLink(link, err)
		return
	}

	link.telemetry.AddEvent("answer received")
}

// Applies (or queues) a remote ICE candidate.
func (c *Coordinator) handleRemoteICECandidate(from signaling.ParticipantID, candidate webrtc.ICECandidateInit) {
	link := c.links.get(from)
	if link == nil {
		c.logger.WithField("remote_id", from).Debug("dropping ICE candidate for unknown link")
		return
	}

	link.peer.ProcessRemoteCandidate(candidate)
}

// Tears the link down and forgets about it along with its remote stream.
func (c *Coordinator) closeLink(remote signaling.ParticipantID) {
	link := c.links.remove(remote)
	if link == nil {
		return
	}

	link.watchdog.Stop()
	link.peer.Terminate()
	link.state = LinkClosed
	delete(c.remoteStreams, remote)

	link.telemetry.End()
	link.logger.Info("link closed")
}

func (c *Coordinator) closeAll() {
	for _, remote := range c.links.remotes() {
		c.closeLink(remote)
	}
}

func (c *Coordinator) onNegotiationTimedOut(id linkID) {
	link := c.links.get(id.remote)
	if link == nil || link.id != id || link.state != LinkNegotiating {
		return
	}

	c.failLink(link, ErrNegotiationTimeout)
}

// A negotiation failure only affects the link it happened on.
func (c *Coordinator) failLink(link *link, err error) {
	link.logger.WithError(err).Warn("negotiation failed, closing link")
	link.telemetry.Fail(err)
	c.recordLinkError(link.id.remote, err)
	c.closeLink(link.id.remote)
}

func (c *Coordinator) recordLinkError(remote signaling.ParticipantID, err error) {
	c.lastError = fmt.Errorf("link to %s: %w", remote, err)
}

func (l *link) info() LinkInfo {
	return LinkInfo{
		Remote:            l.id.remote,
		State:             l.state,
		Initiator:         l.initiator,
		Negotiated:        l.peer.Negotiated(),
		PendingCandidates: l.peer.PendingCandidates(),
	}
}
