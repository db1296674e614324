package capture

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var ErrUnknownSource = errors.New("unknown capture source")

// Kinds of capture sources.
const (
	SourceIVF = "ivf"
	SourceRTP = "rtp"
)

// Capture configuration.
type Config struct {
	// Either "ivf" or "rtp".
	Kind string `yaml:"kind"`
	// Path to the IVF file to play in a loop (ivf only).
	Path string `yaml:"path"`
	// UDP address to receive RTP on (rtp only).
	Address string `yaml:"address"`
}

// Creates the source described by the configuration.
func (c Config) NewSource(logger *logrus.Entry) (Source, error) {
	switch c.Kind {
	case SourceIVF:
		if c.Path == "" {
			return nil, fmt.Errorf("%w: ivf source requires a path", ErrUnknownSource)
		}
		return NewIVFSource(c.Path, logger), nil
	case SourceRTP:
		if c.Address == "" {
			return nil, fmt.Errorf("%w: rtp source requires an address", ErrUnknownSource)
		}
		return NewRTPSource(c.Address, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, c.Kind)
	}
}
