package mesh

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testRoom = "R1"

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testFactory(t *testing.T) *webrtc_ext.PeerConnectionFactory {
	t.Helper()

	factory, err := webrtc_ext.NewPeerConnectionFactory(webrtc_ext.Config{IncludeLoopback: true})
	require.NoError(t, err)
	return factory
}

// Produces a dummy VP8 track that keeps writing samples until stopped.
type fakeSource struct {
	mutex    sync.Mutex
	err      error
	block    chan struct{}
	starts   int
	captures []*fakeCapture
}

func (s *fakeSource) Start(_ context.Context, _ capture.Constraints) (capture.Capture, error) {
	s.mutex.Lock()
	s.starts++
	err, block := s.err, s.block
	s.mutex.Unlock()

	if block != nil {
		<-block
	}

	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
	if err != nil {
		return nil, err
	}

	fake := &fakeCapture{track: track, stop: make(chan struct{}), done: make(chan struct{})}
	go fake.run()

	s.mutex.Lock()
	s.captures = append(s.captures, fake)
	s.mutex.Unlock()

	return fake, nil
}

func (s *fakeSource) setBlock(block chan struct{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.block = block
}

func (s *fakeSource) startCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.starts
}

func (s *fakeSource) all() []*fakeCapture {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*fakeCapture{}, s.captures...)
}

type fakeCapture struct {
	track *webrtc.TrackLocalStaticSample
	stops atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

func (c *fakeCapture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.track}
}

func (c *fakeCapture) Stop() error {
	if c.stops.Add(1) == 1 {
		close(c.stop)
		<-c.done
	}
	return nil
}

func (c *fakeCapture) run() {
	defer close(c.done)

	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 30 * time.Millisecond})
		}
	}
}

// A gateway that records what is sent and delivers what the test pushes.
type recordingGateway struct {
	id         signaling.ParticipantID
	connectErr error
	events     chan signaling.Message

	// Messages of this kind are recorded but rejected with `sendErr`.
	failKind signaling.Kind
	sendErr  error

	mutex  sync.Mutex
	sent   []signaling.Message
	closed bool
}

func newRecordingGateway(id signaling.ParticipantID) *recordingGateway {
	return &recordingGateway{id: id, events: make(chan signaling.Message, 16)}
}

func (g *recordingGateway) Connect(context.Context) (signaling.ParticipantID, error) {
	if g.connectErr != nil {
		return "", g.connectErr
	}
	return g.id, nil
}

func (g *recordingGateway) Send(msg signaling.Message) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.sent = append(g.sent, msg)
	if msg.Kind == g.failKind {
		return g.sendErr
	}
	return nil
}

func (g *recordingGateway) Events() <-chan signaling.Message {
	return g.events
}

func (g *recordingGateway) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.closed = true
	return nil
}

func (g *recordingGateway) messages(kind signaling.Kind) []signaling.Message {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var result []signaling.Message
	for _, msg := range g.sent {
		if msg.Kind == kind {
			result = append(result, msg)
		}
	}
	return result
}

// Creates a coordinator without the main loop: the test itself plays the loop.
func newLooplessCoordinator(
	t *testing.T,
	gateway signaling.Gateway,
	source capture.Source,
) *Coordinator {
	t.Helper()

	return newLooplessCoordinatorWithConfig(t, Config{RoomID: testRoom}, gateway, source)
}

func newLooplessCoordinatorWithConfig(
	t *testing.T,
	config Config,
	gateway signaling.Gateway,
	source capture.Source,
) *Coordinator {
	t.Helper()

	c := newCoordinator(config, gateway, capture.NewManager(source, testLogger()), testFactory(t), testLogger())
	t.Cleanup(func() {
		c.stopSharing(false)
		c.signaling.stop()
	})

	return c
}

// Puts a loopless coordinator into the announced state with a running capture.
func announceLoopless(t *testing.T, c *Coordinator, self signaling.ParticipantID) {
	t.Helper()

	stream, err := c.capture.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)

	c.stream = stream
	c.selfID = self
	c.state = SharingAnnounced
}

// An offer from some remote peer connection.
func remoteOffer(t *testing.T, factory *webrtc_ext.PeerConnectionFactory) webrtc.SessionDescription {
	t.Helper()

	remote, err := factory.CreatePeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)

	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	return offer
}

// Waits for the next asynchronous result, as the main loop would.
func nextResult(t *testing.T, c *Coordinator) interface{} {
	t.Helper()

	select {
	case result := <-c.results:
		return result
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no result")
		return nil
	}
}
