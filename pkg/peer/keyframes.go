package peer

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// Asks the remote sender for a key frame right away and then periodically, so that the
// picture becomes (and stays) decodable even if packets were lost. Stops once the peer
// is terminated or the connection no longer accepts RTCP.
func (p *Peer[ID]) requestKeyFrames(track *webrtc.TrackRemote) {
	interval := p.keyFrameInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.sendPLI(track); err != nil {
			p.logger.WithError(err).Debug("stopped requesting key frames")
			return
		}

		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Peer[ID]) sendPLI(track *webrtc.TrackRemote) error {
	return p.peerConnection.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}
