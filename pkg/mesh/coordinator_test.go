package mesh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type participant struct {
	coordinator *Coordinator
	gateway     *signaling.MemoryGateway
	source      *fakeSource
}

func join(t *testing.T, relay *signaling.Relay, id signaling.ParticipantID) participant {
	t.Helper()

	gateway := signaling.NewMemoryGateway(relay, id)
	source := &fakeSource{}

	coordinator, err := NewCoordinator(
		Config{RoomID: testRoom, Constraints: capture.DefaultConstraints()},
		gateway,
		capture.NewManager(source, testLogger()),
		testFactory(t),
		testLogger(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { coordinator.Close() })

	return participant{coordinator: coordinator, gateway: gateway, source: source}
}

func linkSummary(c *Coordinator) map[signaling.ParticipantID]bool {
	summary := make(map[signaling.ParticipantID]bool)
	for _, link := range c.Links() {
		if link.Negotiated {
			summary[link.Remote] = link.Initiator
		}
	}
	return summary
}

func TestNewCoordinator_RequiresRoom(t *testing.T) {
	_, err := NewCoordinator(Config{}, newRecordingGateway("p1"), capture.NewManager(&fakeSource{}, testLogger()), testFactory(t), testLogger())
	assert.ErrorIs(t, err, ErrMissingRoom)
}

func TestCoordinator_FullMesh(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p2 := join(t, relay, "p2")
	p5 := join(t, relay, "p5")

	ctx := context.Background()
	require.NoError(t, p2.coordinator.StartSharing(ctx))
	require.NoError(t, p5.coordinator.StartSharing(ctx))

	p3 := join(t, relay, "p3")
	require.NoError(t, p3.coordinator.StartSharing(ctx))
	assert.True(t, p3.coordinator.IsSharing())
	assert.Equal(t, signaling.ParticipantID("p3"), p3.coordinator.SelfID())
	assert.NotNil(t, p3.coordinator.LocalStream())

	// Exactly one link per pair, initiated by the smaller identity.
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[signaling.ParticipantID]bool{"p2": false, "p5": true}, linkSummary(p3.coordinator)) &&
			assert.ObjectsAreEqual(map[signaling.ParticipantID]bool{"p3": true, "p5": true}, linkSummary(p2.coordinator)) &&
			assert.ObjectsAreEqual(map[signaling.ParticipantID]bool{"p2": false, "p3": false}, linkSummary(p5.coordinator))
	}, 5*time.Second, 20*time.Millisecond)

	// Media flows on every link.
	assert.Eventually(t, func() bool {
		return len(p2.coordinator.RemoteStreams()) == 2 &&
			len(p3.coordinator.RemoteStreams()) == 2 &&
			len(p5.coordinator.RemoteStreams()) == 2
	}, 15*time.Second, 50*time.Millisecond)

	for _, link := range p3.coordinator.Links() {
		assert.Equal(t, LinkConnected, link.State)
		assert.Zero(t, link.PendingCandidates)
	}

	// When one participant stops, everyone else forgets about it.
	p5.coordinator.StopSharing()
	assert.False(t, p5.coordinator.IsSharing())
	assert.Empty(t, p5.coordinator.Links())
	assert.Empty(t, p5.coordinator.RemoteStreams())
	assert.Nil(t, p5.coordinator.LocalStream())

	assert.Eventually(t, func() bool {
		_, p2Sees := p2.coordinator.RemoteStreams()["p5"]
		_, p3Sees := p3.coordinator.RemoteStreams()["p5"]
		return !p2Sees && !p3Sees && len(p2.coordinator.Links()) == 1 && len(p3.coordinator.Links()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_StartSharingIsIdempotent(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")

	require.NoError(t, p1.coordinator.StartSharing(context.Background()))
	require.NoError(t, p1.coordinator.StartSharing(context.Background()))

	assert.Equal(t, 1, p1.source.startCount())
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]signaling.ParticipantID{"p1"}, relay.Members(testRoom))
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_CaptureFailure(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")
	p1.source.err = fmt.Errorf("open /dev/video0: %w", os.ErrPermission)

	err := p1.coordinator.StartSharing(context.Background())
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)
	assert.ErrorIs(t, p1.coordinator.LastError(), capture.ErrPermissionDenied)
	assert.Equal(t, SharingIdle, p1.coordinator.State())
	assert.Empty(t, relay.Members(testRoom))

	// Not retried automatically.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p1.source.startCount())
}

func TestCoordinator_SignalingUnavailable(t *testing.T) {
	gateway := newRecordingGateway("p1")
	gateway.connectErr = errors.New("connection refused")
	source := &fakeSource{}

	coordinator, err := NewCoordinator(Config{RoomID: testRoom}, gateway, capture.NewManager(source, testLogger()), testFactory(t), testLogger())
	require.NoError(t, err)
	defer coordinator.Close()

	err = coordinator.StartSharing(context.Background())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Equal(t, SharingIdle, coordinator.State())
	assert.Nil(t, coordinator.LocalStream())

	captures := source.all()
	require.Len(t, captures, 1)
	assert.EqualValues(t, 1, captures[0].stops.Load(), "capture is released")
	assert.Empty(t, gateway.messages(signaling.KindAnnounce))
}

func TestCoordinator_AnnounceRejected(t *testing.T) {
	gateway := newRecordingGateway("p1")
	gateway.failKind = signaling.KindAnnounce
	gateway.sendErr = errors.New("send queue full")
	source := &fakeSource{}

	coordinator, err := NewCoordinator(Config{RoomID: testRoom}, gateway, capture.NewManager(source, testLogger()), testFactory(t), testLogger())
	require.NoError(t, err)
	defer coordinator.Close()

	err = coordinator.StartSharing(context.Background())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.False(t, coordinator.IsSharing())
	assert.Equal(t, SharingIdle, coordinator.State())
	assert.ErrorIs(t, coordinator.LastError(), ErrSignalingUnavailable)
	assert.Nil(t, coordinator.LocalStream())

	captures := source.all()
	require.Len(t, captures, 1)
	assert.EqualValues(t, 1, captures[0].stops.Load(), "capture is released")
	assert.Len(t, gateway.messages(signaling.KindAnnounce), 1)
	assert.Empty(t, gateway.messages(signaling.KindLeave))

	// The next attempt goes through once the transport accepts the announce again.
	gateway.mutex.Lock()
	gateway.failKind = ""
	gateway.mutex.Unlock()

	require.NoError(t, coordinator.StartSharing(context.Background()))
	assert.True(t, coordinator.IsSharing())
	assert.NoError(t, coordinator.LastError())
}

func TestCoordinator_StopWhileAcquiring(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")
	block := make(chan struct{})
	p1.source.block = block

	result := make(chan error, 1)
	go func() { result <- p1.coordinator.StartSharing(context.Background()) }()

	assert.Eventually(t, func() bool {
		return p1.coordinator.State() == SharingAcquiring
	}, time.Second, 5*time.Millisecond)

	p1.coordinator.StopSharing()
	assert.ErrorIs(t, <-result, ErrSharingCancelled)
	assert.Equal(t, SharingIdle, p1.coordinator.State())

	// The capture that shows up late is released and never announced.
	close(block)
	assert.Eventually(t, func() bool {
		captures := p1.source.all()
		return len(captures) == 1 && captures[0].stops.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, relay.Members(testRoom))
	assert.Nil(t, p1.coordinator.LocalStream())
}

func TestCoordinator_StartSharingContextCancelled(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")
	block := make(chan struct{})
	p1.source.block = block
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p1.coordinator.StartSharing(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SharingIdle, p1.coordinator.State())
}

func TestCoordinator_SignalingLost(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")
	p2 := join(t, relay, "p2")

	require.NoError(t, p1.coordinator.StartSharing(context.Background()))
	require.NoError(t, p2.coordinator.StartSharing(context.Background()))

	assert.Eventually(t, func() bool {
		return len(p2.coordinator.Links()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	p1.gateway.Disconnect()

	assert.Eventually(t, func() bool {
		return p1.coordinator.State() == SharingIdle && len(p2.coordinator.Links()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, p1.coordinator.LastError(), ErrSignalingUnavailable)
	assert.Empty(t, p1.coordinator.SelfID())

	// Sharing again reconnects.
	require.NoError(t, p1.coordinator.StartSharing(context.Background()))
	assert.Equal(t, signaling.ParticipantID("p1"), p1.coordinator.SelfID())
	assert.NoError(t, p1.coordinator.LastError())
}

func TestCoordinator_SignalingLostWhileAcquiring(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")

	// The first session leaves the connection (and the identity) behind.
	require.NoError(t, p1.coordinator.StartSharing(context.Background()))
	p1.coordinator.StopSharing()
	require.Equal(t, signaling.ParticipantID("p1"), p1.coordinator.SelfID())

	block := make(chan struct{})
	p1.source.setBlock(block)

	result := make(chan error, 1)
	go func() { result <- p1.coordinator.StartSharing(context.Background()) }()

	assert.Eventually(t, func() bool {
		return p1.coordinator.State() == SharingAcquiring
	}, time.Second, 5*time.Millisecond)

	p1.gateway.Disconnect()

	err := <-result
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.NotErrorIs(t, err, ErrSharingCancelled)
	assert.ErrorIs(t, p1.coordinator.LastError(), ErrSignalingUnavailable)
	assert.Equal(t, SharingIdle, p1.coordinator.State())

	close(block)
	assert.Eventually(t, func() bool {
		captures := p1.source.all()
		return len(captures) == 2 && captures[1].stops.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, relay.Members(testRoom))
}

func TestCoordinator_Close(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")

	require.NoError(t, p1.coordinator.StartSharing(context.Background()))
	require.NoError(t, p1.coordinator.Close())
	require.NoError(t, p1.coordinator.Close())

	<-p1.coordinator.Done()
	assert.False(t, p1.coordinator.IsSharing())
	assert.Empty(t, relay.Members(testRoom))
	assert.EqualValues(t, 1, p1.source.all()[0].stops.Load())

	assert.ErrorIs(t, p1.coordinator.StartSharing(context.Background()), ErrCoordinatorClosed)
	p1.coordinator.StopSharing()
}

func TestCoordinator_CloseWithoutSharing(t *testing.T) {
	relay := signaling.NewRelay(testLogger())
	p1 := join(t, relay, "p1")

	require.NoError(t, p1.coordinator.Close())
	assert.Zero(t, p1.source.startCount())
}
