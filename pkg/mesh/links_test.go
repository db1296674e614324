package mesh

import (
	"testing"
	"time"

	"github.com/matrix-org/meshcam/pkg/channel"
	"github.com/matrix-org/meshcam/pkg/peer"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateLink_IsIdempotent(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	first, err := c.getOrCreateLink("p5")
	require.NoError(t, err)
	second, err := c.getOrCreateLink("p5")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, c.links.len())
	assert.Equal(t, LinkNegotiating, first.state)

	// Once closed, the next link is a new incarnation.
	c.closeLink("p5")
	assert.Equal(t, LinkClosed, first.state)

	third, err := c.getOrCreateLink("p5")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.NotEqual(t, first.id, third.id)
}

func TestPeerList_SmallerIdentityInitiates(t *testing.T) {
	gateway := newRecordingGateway("p3")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})
	announceLoopless(t, c, "p3")

	c.onPeerList([]signaling.ParticipantID{"p5", "p3", "p2"})

	assert.Equal(t, []signaling.ParticipantID{"p5"}, c.links.remotes())
	assert.True(t, c.links.get("p5").initiator)

	assert.Eventually(t, func() bool {
		return len(gateway.messages(signaling.KindOffer)) == 1
	}, time.Second, 10*time.Millisecond)

	offer := gateway.messages(signaling.KindOffer)[0]
	assert.Equal(t, signaling.ParticipantID("p5"), offer.TargetSocketID)
	assert.Equal(t, testRoom, offer.RoomID)
}

func TestPeerJoined_IgnoresSelfAndLargerWaits(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	c.onPeerJoined("p3")
	c.onPeerJoined("p1")
	assert.Zero(t, c.links.len())

	c.onPeerJoined("p4")
	c.onPeerJoined("p4")
	assert.Equal(t, []signaling.ParticipantID{"p4"}, c.links.remotes())
	assert.True(t, c.links.get("p4").peer.HasLocalOffer())
}

func TestGlare_SmallerIdentityKeepsItsOffer(t *testing.T) {
	gateway := newRecordingGateway("p3")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})
	announceLoopless(t, c, "p3")

	c.initiate("p5")
	ours := c.links.get("p5")
	require.NotNil(t, ours)

	c.handleOffer("p5", remoteOffer(t, testFactory(t)))

	assert.Same(t, ours, c.links.get("p5"))
	assert.True(t, ours.peer.HasLocalOffer())
	assert.True(t, ours.initiator)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gateway.messages(signaling.KindAnswer))
}

func TestGlare_LargerIdentityAnswers(t *testing.T) {
	gateway := newRecordingGateway("p5")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})
	announceLoopless(t, c, "p5")

	// An attempt of our own that raced with the remote one.
	c.initiate("p3")
	ours := c.links.get("p3")
	require.NotNil(t, ours)

	c.handleOffer("p3", remoteOffer(t, testFactory(t)))

	theirs := c.links.get("p3")
	require.NotNil(t, theirs)
	assert.NotSame(t, ours, theirs)
	assert.Equal(t, LinkClosed, ours.state)
	assert.False(t, theirs.initiator)
	assert.True(t, theirs.peer.Negotiated())
	assert.Equal(t, 1, c.links.len())

	assert.Eventually(t, func() bool {
		answers := gateway.messages(signaling.KindAnswer)
		return len(answers) == 1 && answers[0].TargetSocketID == "p3"
	}, time.Second, 10*time.Millisecond)
}

func TestHandleOffer_DroppedWhileNotSharing(t *testing.T) {
	gateway := newRecordingGateway("p3")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})
	c.selfID = "p3"

	c.handleOffer("p2", remoteOffer(t, testFactory(t)))

	assert.Zero(t, c.links.len())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gateway.messages(signaling.KindAnswer))
}

func TestSignaling_DropsPointToPointWithoutSender(t *testing.T) {
	gateway := newRecordingGateway("p3")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})
	announceLoopless(t, c, "p3")

	offer := remoteOffer(t, testFactory(t))
	for _, sender := range []signaling.ParticipantID{"", "p3"} {
		c.processSignalingMessage(signaling.Message{
			Kind:           signaling.KindOffer,
			RoomID:         testRoom,
			SocketID:       sender,
			TargetSocketID: "p3",
			Offer:          &offer,
		})
	}

	assert.Zero(t, c.links.len())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gateway.messages(signaling.KindAnswer))
}

func TestAnnounce_RoomRepliesBeforeConfirmation(t *testing.T) {
	gateway := newRecordingGateway("p3")
	c := newLooplessCoordinator(t, gateway, &fakeSource{})

	reply := make(chan error, 1)
	c.startSharing(reply)
	c.processResult(nextResult(t, c)) // capture
	c.processResult(nextResult(t, c)) // connection

	require.True(t, c.announcing)
	require.Equal(t, SharingAcquiring, c.state)

	// The peer list answering our announce may overtake the confirmation.
	c.onPeerList([]signaling.ParticipantID{"p5"})
	assert.NotNil(t, c.links.get("p5"))

	c.processResult(nextResult(t, c))
	assert.Equal(t, SharingAnnounced, c.state)
	assert.False(t, c.announcing)
	assert.NoError(t, <-reply)
	assert.NotNil(t, c.links.get("p5"))
}

func TestHandleAnswer_UnknownOrUnexpected(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	// No link: dropped, not an error.
	c.handleAnswer("p9", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})
	assert.Zero(t, c.links.len())
	assert.NoError(t, c.lastError)

	// A malformed answer closes only the affected link.
	c.initiate("p5")
	c.initiate("p7")
	c.handleAnswer("p5", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})

	assert.Equal(t, []signaling.ParticipantID{"p7"}, c.links.remotes())
	assert.ErrorIs(t, c.lastError, peer.ErrCantSetRemoteDescription)
}

func TestRemoteICECandidates_BufferedUntilDescription(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	// Unknown link: dropped.
	c.handleRemoteICECandidate("p5", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	assert.Zero(t, c.links.len())

	c.initiate("p5")
	link := c.links.get("p5")
	require.NotNil(t, link)

	c.handleRemoteICECandidate("p5", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	c.handleRemoteICECandidate("p5", webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 127.0.0.1 5001 typ host"})

	assert.Equal(t, 2, link.info().PendingCandidates)
}

func TestProcessPeerMessage_IgnoresStaleLinks(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	old, err := c.getOrCreateLink("p5")
	require.NoError(t, err)
	c.closeLink("p5")
	current, err := c.getOrCreateLink("p5")
	require.NoError(t, err)

	c.processPeerMessage(channel.Message[linkID, peer.MessageContent]{
		Sender:  old.id,
		Content: peer.ConnectionLost{State: webrtc.PeerConnectionStateFailed},
	})
	assert.Same(t, current, c.links.get("p5"))

	c.processPeerMessage(channel.Message[linkID, peer.MessageContent]{
		Sender:  current.id,
		Content: peer.RemoteTrackReceived{},
	})
	assert.Equal(t, LinkConnected, current.state)
	assert.Contains(t, c.remoteStreams, signaling.ParticipantID("p5"))

	c.processPeerMessage(channel.Message[linkID, peer.MessageContent]{
		Sender:  current.id,
		Content: peer.ConnectionLost{State: webrtc.PeerConnectionStateDisconnected},
	})
	assert.Zero(t, c.links.len())
	assert.Empty(t, c.remoteStreams)
}

func TestStopSharing_IsTotal(t *testing.T) {
	gateway := newRecordingGateway("p3")
	source := &fakeSource{}
	c := newLooplessCoordinator(t, gateway, source)
	announceLoopless(t, c, "p3")

	var links []*link
	for _, remote := range []signaling.ParticipantID{"p4", "p5", "p6"} {
		c.initiate(remote)
		links = append(links, c.links.get(remote))
	}
	c.remoteStreams["p4"] = RemoteStream{Participant: "p4"}
	stream := c.stream

	c.stopSharing(true)
	c.stopSharing(true)

	assert.Equal(t, SharingIdle, c.state)
	assert.Zero(t, c.links.len())
	assert.Empty(t, c.remoteStreams)
	assert.Nil(t, c.stream)
	assert.True(t, stream.Released())
	for _, link := range links {
		assert.Equal(t, LinkClosed, link.state)
	}

	captures := source.all()
	require.Len(t, captures, 1)
	assert.EqualValues(t, 1, captures[0].stops.Load())

	assert.Eventually(t, func() bool {
		return len(gateway.messages(signaling.KindLeave)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNegotiationTimeout_ClosesStuckLink(t *testing.T) {
	c := newLooplessCoordinatorWithConfig(t,
		Config{RoomID: testRoom, NegotiationTimeout: 50 * time.Millisecond},
		newRecordingGateway("p3"),
		&fakeSource{},
	)
	announceLoopless(t, c, "p3")

	// Nobody ever answers.
	c.initiate("p5")
	require.Equal(t, 1, c.links.len())

	select {
	case result := <-c.results:
		c.processResult(result)
	case <-time.After(time.Second):
		t.Fatal("negotiation did not time out")
	}

	assert.Zero(t, c.links.len())
	assert.ErrorIs(t, c.lastError, ErrNegotiationTimeout)
}

func TestNegotiationTimeout_IgnoresReplacedLink(t *testing.T) {
	c := newLooplessCoordinator(t, newRecordingGateway("p3"), &fakeSource{})
	announceLoopless(t, c, "p3")

	old, err := c.getOrCreateLink("p5")
	require.NoError(t, err)
	c.closeLink("p5")
	current, err := c.getOrCreateLink("p5")
	require.NoError(t, err)

	c.onNegotiationTimedOut(old.id)
	assert.Same(t, current, c.links.get("p5"))
	assert.NoError(t, c.lastError)
}
