package capture

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var errAudioNotAllowed = errors.New("capture source produced a non-video track")

// Source is something that can produce local video, e.g. a camera or a file.
type Source interface {
	// Starts capturing under the given (already clamped) constraints.
	Start(ctx context.Context, constraints Constraints) (Capture, error)
}

// A running capture.
type Capture interface {
	// Local tracks that carry the captured video.
	Tracks() []webrtc.TrackLocal
	// Stops the underlying hardware (or whatever feeds the tracks).
	Stop() error
}

// Owns the acquisition and release of the local outgoing video. The resulting
// `Stream` is shared read-only with every peer link; only the manager stops it.
type Manager struct {
	source Source
	logger *logrus.Entry
}

func NewManager(source Source, logger *logrus.Entry) *Manager {
	return &Manager{source: source, logger: logger}
}

// Acquires the local video. Fails with `ErrPermissionDenied` or `ErrDeviceUnavailable`;
// the caller must not retry automatically.
func (m *Manager) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	constraints = constraints.Clamp()
	logger := m.logger.WithFields(logrus.Fields{
		"width":      constraints.Width,
		"height":     constraints.Height,
		"frame_rate": constraints.FrameRate,
	})

	capture, err := m.source.Start(ctx, constraints)
	if err != nil {
		err = classify(err)
		logger.WithError(err).Warn("failed to acquire local capture")
		return nil, err
	}

	for _, track := range capture.Tracks() {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			if stopErr := capture.Stop(); stopErr != nil {
				logger.WithError(stopErr).Warn("failed to stop rejected capture")
			}
			return nil, deviceUnavailable(errAudioNotAllowed)
		}
	}

	logger.Info("local capture acquired")
	return &Stream{capture: capture, constraints: constraints, logger: m.logger}, nil
}

// Releases the stream. Safe to call any number of times and with `nil`.
func (m *Manager) Release(stream *Stream) {
	if stream == nil {
		return
	}

	stream.release()
}

// Handle to the acquired local video.
type Stream struct {
	capture     Capture
	constraints Constraints
	logger      *logrus.Entry

	releaseOnce sync.Once
	released    atomic.Bool
}

// Tracks to attach to peer connections. Attaching does not transfer ownership.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.capture.Tracks()
}

// Constraints the stream was acquired with.
func (s *Stream) Constraints() Constraints {
	return s.constraints
}

// Local address the capture receives media on, if it's a network source.
func (s *Stream) LocalAddr() net.Addr {
	if addressable, ok := s.capture.(interface{ LocalAddr() net.Addr }); ok {
		return addressable.LocalAddr()
	}

	return nil
}

func (s *Stream) Released() bool {
	return s.released.Load()
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		if err := s.capture.Stop(); err != nil {
			s.logger.WithError(err).Warn("failed to stop local capture")
		}

		s.released.Store(true)
		s.logger.Info("local capture released")
	})
}
