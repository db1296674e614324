/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/channel"
	"github.com/matrix-org/meshcam/pkg/peer"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrMissingRoom          = errors.New("room ID is required")
	ErrSignalingUnavailable = errors.New("signaling transport is unavailable")
	ErrSharingCancelled     = errors.New("sharing was cancelled")
	ErrCoordinatorClosed    = errors.New("coordinator is closed")
)

// Coordinates camera sharing of the local participant with every other sharing
// participant of a room: a full mesh of direct peer connections.
//
// All state is owned by a single goroutine (the main loop). Public methods post
// commands to it and read a snapshot that the loop publishes after every change.
type Coordinator struct {
	config     Config
	logger     *logrus.Entry
	baseLogger *logrus.Entry
	telemetry  *telemetry.Telemetry

	gateway   signaling.Gateway
	signaling *signalingWorker
	capture   *capture.Manager
	factory   peer.ConnectionFactory

	// Everything below is only touched by the main loop.
	state         SharingState
	announcing    bool
	epoch         uint64
	generation    uint64
	selfID        signaling.ParticipantID
	stream        *capture.Stream
	links         *linkTable
	remoteStreams RemoteStreamTable
	lastError     error
	waiters       []chan<- error
	session       *telemetry.Telemetry
	sessionCtx    context.Context //nolint:containedctx
	cancelSession context.CancelFunc

	commands        chan interface{}
	results         chan interface{}
	peerMessages    chan channel.Message[linkID, peer.MessageContent]
	signalingEvents <-chan signaling.Message

	viewMutex sync.RWMutex
	view      view
	updates   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Snapshot of the coordinator state for the readers outside of the main loop.
type view struct {
	state         SharingState
	selfID        signaling.ParticipantID
	stream        *capture.Stream
	remoteStreams RemoteStreamTable
	links         []LinkInfo
	lastError     error
}

type startCommand struct {
	reply chan<- error
}

type stopCommand struct {
	reply chan<- struct{}
}

type closeCommand struct{}

// Creates a coordinator for the room and starts its main loop. Nothing is captured
// or announced until `StartSharing()` is called. The gateway is owned by the
// coordinator from now on and is closed by `Close()`.
func NewCoordinator(
	config Config,
	gateway signaling.Gateway,
	captureManager *capture.Manager,
	factory peer.ConnectionFactory,
	logger *logrus.Entry,
) (*Coordinator, error) {
	if config.RoomID == "" {
		return nil, ErrMissingRoom
	}

	coordinator := newCoordinator(config, gateway, captureManager, factory, logger)

	// Start the coordinator "main loop".
	go coordinator.processMessages()

	return coordinator, nil
}

func newCoordinator(
	config Config,
	gateway signaling.Gateway,
	captureManager *capture.Manager,
	factory peer.ConnectionFactory,
	logger *logrus.Entry,
) *Coordinator {
	logger = logger.WithField("room_id", config.RoomID)

	coordinator := &Coordinator{
		config:        config,
		logger:        logger,
		baseLogger:    logger,
		telemetry:     telemetry.NewCoordinatorTelemetry(config.RoomID),
		gateway:       gateway,
		signaling:     newSignalingWorker(gateway, signalingIdleReport, logger),
		capture:       captureManager,
		factory:       factory,
		links:         newLinkTable(),
		remoteStreams: make(RemoteStreamTable),
		commands:      make(chan interface{}),
		results:       make(chan interface{}),
		peerMessages:  make(chan channel.Message[linkID, peer.MessageContent], 100),
		updates:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	coordinator.view = coordinator.snapshot()

	return coordinator
}

// Starts sharing the local camera with the room and returns once our presence is
// announced. Does nothing if already sharing. A capture failure is returned as is
// and never retried. Cancelling `ctx` abandons the attempt as `StopSharing()` would.
func (c *Coordinator) StartSharing(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, startCommand{reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrCoordinatorClosed
		}
	case <-ctx.Done():
		select {
		case err := <-reply:
			return err
		default:
		}

		c.StopSharing()
		return ctx.Err()
	}
}

// Stops sharing: releases the capture, closes every link and tells the room we've
// left. Safe to call in any state and any number of times.
func (c *Coordinator) StopSharing() {
	reply := make(chan struct{})
	if err := c.post(context.Background(), stopCommand{reply: reply}); err != nil {
		return
	}

	select {
	case <-reply:
	case <-c.done:
	}
}

// Tears the coordinator down: stops sharing (whether or not it was started),
// closes the signaling gateway and ends the main loop.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		select {
		case c.commands <- closeCommand{}:
		case <-c.done:
		}
	})

	<-c.done
	return nil
}

// Closed once the coordinator is torn down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Signals that the state of the coordinator may have changed. Coalesces notifications.
func (c *Coordinator) Updates() <-chan struct{} {
	return c.updates
}

func (c *Coordinator) IsSharing() bool {
	return c.getView().state == SharingAnnounced
}

func (c *Coordinator) State() SharingState {
	return c.getView().state
}

// Identity assigned by the signaling transport, empty if not connected.
func (c *Coordinator) SelfID() signaling.ParticipantID {
	return c.getView().selfID
}

// The local capture, `nil` when not sharing.
func (c *Coordinator) LocalStream() *capture.Stream {
	return c.getView().stream
}

// Incoming streams of the connected links.
func (c *Coordinator) RemoteStreams() RemoteStreamTable {
	return maps.Clone(c.getView().remoteStreams)
}

// Links ordered by the remote participant.
func (c *Coordinator) Links() []LinkInfo {
	return slices.Clone(c.getView().links)
}

// The last failure: capture, signaling or negotiation of a link. Cleared when
// sharing is started again.
func (c *Coordinator) LastError() error {
	return c.getView().lastError
}

func (c *Coordinator) getView() view {
	c.viewMutex.RLock()
	defer c.viewMutex.RUnlock()

	return c.view
}

func (c *Coordinator) post(ctx context.Context, command interface{}) error {
	select {
	case c.commands <- command:
		return nil
	case <-c.done:
		return ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hands the result of an asynchronous step over to the main loop. If the loop is
// gone, the acquired capture is released right away.
func (c *Coordinator) postResult(result interface{}) {
	select {
	case c.results <- result:
	case <-c.done:
		if captured, ok := result.(captureResult); ok {
			c.capture.Release(captured.stream)
		}
	}
}

func (c *Coordinator) snapshot() view {
	links := make([]LinkInfo, 0, c.links.len())
	for _, remote := range c.links.remotes() {
		links = append(links, c.links.get(remote).info())
	}

	return view{
		state:         c.state,
		selfID:        c.selfID,
		stream:        c.stream,
		remoteStreams: maps.Clone(c.remoteStreams),
		links:         links,
		lastError:     c.lastError,
	}
}

func (c *Coordinator) publish() {
	snapshot := c.snapshot()

	c.viewMutex.Lock()
	c.view = snapshot
	c.viewMutex.Unlock()

	select {
	case c.updates <- struct{}{}:
	default:
	}
}
