package capture

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const rtpReadBufferSize = 1500

// Receives VP8 over RTP on a local UDP port (e.g. from ffmpeg or gstreamer) and
// forwards the packets to the local track. The encoder upstream has to produce video
// within the constraints: oversized video is dropped, an excessive frame rate is reported.
type RTPSource struct {
	address string
	logger  *logrus.Entry
}

func NewRTPSource(address string, logger *logrus.Entry) *RTPSource {
	return &RTPSource{address: address, logger: logger.WithField("address", address)}
}

func (s *RTPSource) Start(ctx context.Context, constraints Constraints) (Capture, error) {
	var listenConfig net.ListenConfig
	conn, err := listenConfig.ListenPacket(ctx, "udp", s.address)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"meshcam",
	)
	if err != nil {
		conn.Close()
		return nil, deviceUnavailable(err)
	}

	capture := &rtpCapture{
		conn:   conn,
		track:  track,
		guard:  newVP8Guard(constraints, s.logger),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	go capture.forward()

	return capture, nil
}

type rtpCapture struct {
	conn   net.PacketConn
	track  *webrtc.TrackLocalStaticRTP
	guard  *vp8Guard
	done   chan struct{}
	logger *logrus.Entry
}

func (c *rtpCapture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.track}
}

// Address the source is listening on.
func (c *rtpCapture) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *rtpCapture) Stop() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *rtpCapture) forward() {
	defer close(c.done)

	buffer := make([]byte, rtpReadBufferSize)
	for {
		n, _, err := c.conn.ReadFrom(buffer)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.WithError(err).Error("failed to read RTP packet")
			}
			return
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			c.logger.WithError(err).Debug("dropping malformed RTP packet")
			continue
		}

		if !c.guard.admit(&packet, time.Now()) {
			continue
		}

		if err := c.track.WriteRTP(&packet); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.WithError(err).Warn("failed to forward RTP packet")
		}
	}
}
