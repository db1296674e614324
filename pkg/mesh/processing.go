package mesh

import (
	"github.com/matrix-org/meshcam/pkg/channel"
	"github.com/matrix-org/meshcam/pkg/peer"
	"github.com/matrix-org/meshcam/pkg/signaling"
)

// Listen on messages from incoming channels and process them.
// This is essentially the main loop of the coordinator.
// If this function returns, the coordinator is closed.
func (c *Coordinator) processMessages() {
	// When the main loop ends, clean up the resources.
	defer close(c.done)
	defer c.telemetry.End()

	for {
		select {
		case command := <-c.commands:
			if _, closing := command.(closeCommand); closing {
				c.shutdown()
				return
			}
			c.processCommand(command)
		case result := <-c.results:
			c.processResult(result)
		case msg := <-c.peerMessages:
			c.processPeerMessage(msg)
		case msg, ok := <-c.signalingEvents:
			if !ok {
				c.onSignalingLost()
			} else {
				c.processSignalingMessage(msg)
			}
		}

		c.publish()
	}
}

func (c *Coordinator) shutdown() {
	c.logger.Info("closing the coordinator")

	c.stopSharing(true)
	c.signaling.stop()

	if err := c.gateway.Close(); err != nil {
		c.logger.WithError(err).Warn("failed to close the signaling gateway")
	}

	c.signalingEvents = nil
	c.selfID = ""
	c.publish()
}

func (c *Coordinator) processCommand(command interface{}) {
	switch cmd := command.(type) {
	case startCommand:
		c.startSharing(cmd.reply)
	case stopCommand:
		c.stopSharing(true)
		c.publish()
		close(cmd.reply)
	default:
		c.logger.Errorf("Unknown command: %T", cmd)
	}
}

func (c *Coordinator) processResult(result interface{}) {
	switch res := result.(type) {
	case captureResult:
		c.onCaptureResult(res)
	case connectResult:
		c.onConnectResult(res)
	case announceResult:
		c.onAnnounceResult(res)
	case negotiationTimedOut:
		c.onNegotiationTimedOut(res.id)
	default:
		c.logger.Errorf("Unknown result: %T", res)
	}
}

// Process a message from a peer link.
func (c *Coordinator) processPeerMessage(message channel.Message[linkID, peer.MessageContent]) {
	link := c.links.get(message.Sender.remote)
	if link == nil || link.id != message.Sender {
		// The link is already gone (or replaced), the message raced with its termination.
		return
	}

	// Since Go does not support ADTs, we have to use a switch statement to
	// determine the actual type of the message.
	switch msg := message.Content.(type) {
	case peer.NewICECandidate:
		c.signaling.send(signaling.NewICECandidate(c.config.RoomID, link.id.remote, msg.Candidate))
	case peer.ICEGatheringComplete:
		link.telemetry.AddEvent("ICE gathering complete")
	case peer.RemoteTrackReceived:
		link.watchdog.Stop()
		link.state = LinkConnected
		c.remoteStreams[link.id.remote] = RemoteStream{
			Participant: link.id.remote,
			Track:       msg.Track,
			Receiver:    msg.Receiver,
		}
		link.telemetry.AddEvent("remote stream received")
		link.logger.Info("remote stream available")
	case peer.ConnectionEstablished:
		link.telemetry.AddEvent("connection established")
	case peer.ConnectionLost:
		link.logger.WithField("state", msg.State).Info("connection lost")
		c.closeLink(link.id.remote)
	default:
		c.logger.Errorf("Unknown message type: %T", msg)
	}
}

// Process a message received over the signaling transport.
func (c *Coordinator) processSignalingMessage(msg signaling.Message) {
	logger := c.logger.WithField("kind", msg.Kind)

	if msg.RoomID != c.config.RoomID {
		logger.WithField("other_room_id", msg.RoomID).Debug("ignoring message for another room")
		return
	}

	if msg.IsPointToPoint() {
		if msg.TargetSocketID != "" && msg.TargetSocketID != c.selfID {
			logger.Debug("ignoring message addressed to someone else")
			return
		}

		if msg.SocketID == "" || msg.SocketID == c.selfID {
			logger.WithField("remote_id", msg.SocketID).Warn("ignoring message without a valid sender")
			return
		}
	}

	switch msg.Kind {
	case signaling.KindPeerList:
		c.onPeerList(msg.Peers)
	case signaling.KindPeerJoined:
		c.onPeerJoined(msg.SocketID)
	case signaling.KindPeerLeft:
		c.onPeerLeft(msg.SocketID)
	case signaling.KindOffer:
		if msg.Offer == nil {
			logger.Warn("offer without session description")
			return
		}
		c.handleOffer(msg.SocketID, *msg.Offer)
	case signaling.KindAnswer:
		if msg.Answer == nil {
			logger.Warn("answer without session description")
			return
		}
		c.handleAnswer(msg.SocketID, *msg.Answer)
	case signaling.KindICECandidate:
		if msg.Candidate == nil {
			logger.Warn("ICE candidate message without candidate")
			return
		}
		c.handleRemoteICECandidate(msg.SocketID, *msg.Candidate)
	default:
		logger.Warn("unexpected signaling message")
	}
}
