package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrTooLarge         = errors.New("video exceeds the maximum resolution")
)

const ivfVP8FourCC = "VP80"

// Plays a VP8 IVF file in a loop, paced at the constrained frame rate.
type IVFSource struct {
	path   string
	logger *logrus.Entry
}

func NewIVFSource(path string, logger *logrus.Entry) *IVFSource {
	return &IVFSource{path: path, logger: logger.WithField("path", path)}
}

func (s *IVFSource) Start(ctx context.Context, constraints Constraints) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, deviceUnavailable(err)
	}

	if header.FourCC != ivfVP8FourCC {
		file.Close()
		return nil, deviceUnavailable(fmt.Errorf("%w: %s", ErrUnsupportedCodec, header.FourCC))
	}

	if int(header.Width) > constraints.MaxWidth || int(header.Height) > constraints.MaxHeight {
		file.Close()
		return nil, deviceUnavailable(fmt.Errorf("%w: %dx%d", ErrTooLarge, header.Width, header.Height))
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"meshcam",
	)
	if err != nil {
		file.Close()
		return nil, deviceUnavailable(err)
	}

	capture := &ivfCapture{
		track:  track,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	frameRate := constraints.FrameRate
	if frameRate <= 0 {
		frameRate = DefaultConstraints().FrameRate
	}

	frameDuration := time.Second / time.Duration(frameRate)
	go capture.play(file, reader, frameDuration)

	return capture, nil
}

type ivfCapture struct {
	track  *webrtc.TrackLocalStaticSample
	stop   chan struct{}
	done   chan struct{}
	logger *logrus.Entry
}

func (c *ivfCapture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.track}
}

func (c *ivfCapture) Stop() error {
	close(c.stop)
	<-c.done
	return nil
}

func (c *ivfCapture) play(file *os.File, reader *ivfreader.IVFReader, frameDuration time.Duration) {
	defer close(c.done)
	defer file.Close()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// Rewind and start over from the first frame.
			if reader, err = rewind(file); err != nil {
				c.logger.WithError(err).Error("failed to rewind IVF file")
				return
			}
			continue
		}

		if err != nil {
			c.logger.WithError(err).Error("failed to parse IVF frame")
			return
		}

		if err := c.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			c.logger.WithError(err).Warn("failed to write sample")
		}
	}
}

func rewind(file *os.File) (*ivfreader.IVFReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader, _, err := ivfreader.NewWith(file)
	return reader, err
}
