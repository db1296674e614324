package capture

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"
)

// Keeps an incoming VP8 RTP stream within the constraints.
//
// The resolution is only known from keyframes. Nothing is forwarded before the first keyframe
// that fits, and after a keyframe that doesn't fit everything is dropped until one fits again.
// Dropping single frames would break the decoders on the other side, so the frame rate is
// left to the upstream encoder and only reported when it exceeds the limit.
type vp8Guard struct {
	constraints Constraints
	logger      *logrus.Entry

	forwarding bool
	width      int
	height     int

	windowStart    time.Time
	framesInWindow int
	lastTimestamp  uint32
	seenTimestamp  bool
	rateReported   bool
}

func newVP8Guard(constraints Constraints, logger *logrus.Entry) *vp8Guard {
	return &vp8Guard{constraints: constraints.Clamp(), logger: logger}
}

// Tells whether the packet may be forwarded.
func (g *vp8Guard) admit(packet *rtp.Packet, now time.Time) bool {
	g.countFrame(packet.Timestamp, now)

	var descriptor codecs.VP8Packet
	payload, err := descriptor.Unmarshal(packet.Payload)
	if err != nil {
		return false
	}

	// Only the first packet of a frame carries the frame header.
	if descriptor.S == 1 && descriptor.PID == 0 {
		if width, height, ok := vp8KeyFrameSize(payload); ok {
			g.onKeyFrame(width, height)
		}
	}

	return g.forwarding
}

func (g *vp8Guard) onKeyFrame(width, height int) {
	fits := width <= g.constraints.MaxWidth && height <= g.constraints.MaxHeight

	if width != g.width || height != g.height {
		logger := g.logger.WithFields(logrus.Fields{"width": width, "height": height})
		if fits {
			logger.Info("forwarding RTP video")
		} else {
			logger.WithFields(logrus.Fields{
				"max_width":  g.constraints.MaxWidth,
				"max_height": g.constraints.MaxHeight,
			}).Warn("dropping RTP video above the resolution limit")
		}
	}

	g.width, g.height = width, height
	g.forwarding = fits
}

func (g *vp8Guard) countFrame(timestamp uint32, now time.Time) {
	if g.seenTimestamp && timestamp == g.lastTimestamp {
		return
	}
	g.seenTimestamp = true
	g.lastTimestamp = timestamp

	if now.Sub(g.windowStart) >= time.Second {
		g.windowStart = now
		g.framesInWindow = 0
	}

	g.framesInWindow++
	if g.framesInWindow > g.constraints.MaxFrameRate && !g.rateReported {
		g.rateReported = true
		g.logger.WithField("max_frame_rate", g.constraints.MaxFrameRate).
			Warn("RTP video exceeds the frame rate limit, lower it in the encoder")
	}
}

// Reads the dimensions from the header of a VP8 keyframe (RFC 6386, section 9.1).
func vp8KeyFrameSize(frame []byte) (int, int, bool) {
	if len(frame) < 10 || frame[0]&0x01 != 0 {
		return 0, 0, false
	}

	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}

	width := int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	height := int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)

	return width, height, true
}
