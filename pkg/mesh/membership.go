package mesh

import (
	"context"
	"fmt"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/telemetry"
	"golang.org/x/exp/slices"
)

// Result of the asynchronous capture acquisition.
type captureResult struct {
	epoch  uint64
	stream *capture.Stream
	err    error
}

// Result of the asynchronous connection to the signaling transport.
type connectResult struct {
	epoch  uint64
	selfID signaling.ParticipantID
	events <-chan signaling.Message
	err    error
}

// Outcome of handing the announce message to the signaling transport.
type announceResult struct {
	epoch uint64
	err   error
}

// Starts sharing: acquire the capture, connect, announce. `reply` gets the outcome.
func (c *Coordinator) startSharing(reply chan<- error) {
	switch c.state {
	case SharingAnnounced:
		reply <- nil
		return
	case SharingAcquiring:
		c.waiters = append(c.waiters, reply)
		return
	}

	c.epoch++
	c.state = SharingAcquiring
	c.lastError = nil
	c.waiters = append(c.waiters, reply)

	ctx, cancel := context.WithCancel(context.Background())
	c.sessionCtx, c.cancelSession = ctx, cancel
	c.session = c.telemetry.StartSession(c.config.RoomID)

	c.logger.Info("acquiring local capture")

	epoch := c.epoch
	go func() {
		stream, err := c.capture.Acquire(ctx, c.config.Constraints)
		c.postResult(captureResult{epoch: epoch, stream: stream, err: err})
	}()
}

func (c *Coordinator) onCaptureResult(result captureResult) {
	if result.epoch != c.epoch || c.state != SharingAcquiring {
		// Sharing was stopped (and maybe restarted) in the meantime.
		c.logger.Debug("discarding stale capture result")
		c.capture.Release(result.stream)
		return
	}

	if result.err != nil {
		c.failSharing(result.err)
		return
	}

	c.stream = result.stream
	c.session.AddEvent("capture acquired")

	if c.selfID != "" {
		c.announce()
		return
	}

	epoch := c.epoch
	ctx := c.sessionCtx
	go func() {
		selfID, err := c.gateway.Connect(ctx)

		var events <-chan signaling.Message
		if err == nil {
			events = c.gateway.Events()
		}

		c.postResult(connectResult{epoch: epoch, selfID: selfID, events: events, err: err})
	}()
}

func (c *Coordinator) onConnectResult(result connectResult) {
	if result.err == nil {
		// Even if it's stale, the connection itself is valid and may be reused.
		c.selfID = result.selfID
		c.signalingEvents = result.events
		c.logger = c.baseLogger.WithField("self_id", result.selfID)
	}

	if result.epoch != c.epoch || c.state != SharingAcquiring {
		c.logger.Debug("discarding stale connection result")
		return
	}

	if result.err != nil {
		c.failSharing(fmt.Errorf("%w: %s", ErrSignalingUnavailable, result.err))
		return
	}

	c.announce()
}

// Sharing is only confirmed once the transport took the announce. Until then we already
// react to the room, since the replies to the announce may arrive before the confirmation.
func (c *Coordinator) announce() {
	c.announcing = true

	epoch := c.epoch
	c.signaling.sendReporting(signaling.NewAnnounce(c.config.RoomID), func(err error) {
		select {
		case c.results <- announceResult{epoch: epoch, err: err}:
		case <-c.done:
		case <-c.signaling.stopping:
		}
	})
}

func (c *Coordinator) onAnnounceResult(result announceResult) {
	if result.epoch != c.epoch || !c.announcing {
		c.logger.Debug("discarding stale announce result")
		return
	}

	c.announcing = false

	if result.err != nil {
		c.failSharing(fmt.Errorf("%w: %s", ErrSignalingUnavailable, result.err))
		return
	}

	c.state = SharingAnnounced
	c.session.AddEvent("announced")
	c.logger.Info("sharing started")
	c.replyToWaiters(nil)
}

// Tells whether the room knows about us (or is about to).
func (c *Coordinator) inRoom() bool {
	return c.state == SharingAnnounced || c.announcing
}

// Falls back to idle after a failed attempt to start sharing.
func (c *Coordinator) failSharing(err error) {
	c.logger.WithError(err).Warn("sharing failed")
	c.session.Fail(err)

	waiters := c.waiters
	c.waiters = nil

	c.stopSharing(false)
	c.lastError = err

	c.waiters = waiters
	c.replyToWaiters(err)
}

// Stops sharing from any state. Pending asynchronous steps are abandoned.
func (c *Coordinator) stopSharing(sendLeave bool) {
	if c.state == SharingIdle {
		return
	}

	wasAnnounced := c.inRoom()
	c.announcing = false

	c.epoch++
	if c.cancelSession != nil {
		c.cancelSession()
		c.sessionCtx, c.cancelSession = nil, nil
	}

	c.closeAll()
	c.remoteStreams = make(RemoteStreamTable)

	c.capture.Release(c.stream)
	c.stream = nil

	if wasAnnounced && sendLeave {
		c.signaling.send(signaling.NewLeave(c.config.RoomID))
	}

	c.state = SharingIdle

	c.session.End()
	c.session = nil

	c.logger.Info("sharing stopped")
	c.replyToWaiters(ErrSharingCancelled)
}

// The transport is gone and so is our identity: everything we've negotiated
// through it is stale.
func (c *Coordinator) onSignalingLost() {
	c.logger.Warn("signaling transport lost")
	c.signalingEvents = nil
	c.selfID = ""
	c.logger = c.baseLogger

	if c.state != SharingIdle {
		// Anyone still waiting for the start must learn why it failed.
		c.failSharing(ErrSignalingUnavailable)
	}
}

func (c *Coordinator) onPeerList(peers []signaling.ParticipantID) {
	if !c.inRoom() {
		c.logger.Debug("ignoring peer list: not sharing")
		return
	}

	peers = slices.Clone(peers)
	slices.Sort(peers)

	for _, remote := range peers {
		c.onRemoteSharing(remote)
	}
}

func (c *Coordinator) onPeerJoined(remote signaling.ParticipantID) {
	if !c.inRoom() {
		c.logger.Debug("ignoring joined peer: not sharing")
		return
	}

	c.onRemoteSharing(remote)
}

func (c *Coordinator) onPeerLeft(remote signaling.ParticipantID) {
	c.closeLink(remote)
}

// Only the participant with the smaller identity initiates, the other one waits for the offer.
func (c *Coordinator) onRemoteSharing(remote signaling.ParticipantID) {
	if remote == "" || remote == c.selfID {
		return
	}

	if !shouldInitiate(c.selfID, remote) {
		c.logger.WithField("remote_id", remote).Debug("waiting for the remote participant to initiate")
		return
	}

	c.initiate(remote)
}

func shouldInitiate(self, remote signaling.ParticipantID) bool {
	return self < remote
}

// Callers may inspect the state as soon as they get the reply, so publish it first.
func (c *Coordinator) replyToWaiters(err error) {
	if len(c.waiters) == 0 {
		return
	}

	c.publish()
	for _, waiter := range c.waiters {
		waiter <- err
	}

	c.waiters = nil
}

// Links belong to the current session, or to the coordinator if an offer arrives outside of one.
func (c *Coordinator) linkTelemetry() *telemetry.Telemetry {
	if c.session == nil {
		return c.telemetry
	}

	return c.session
}
