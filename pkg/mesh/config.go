package mesh

import (
	"time"

	"github.com/matrix-org/meshcam/pkg/capture"
)

const DefaultNegotiationTimeout = 30 * time.Second

// Configuration of a coordinator for a single room.
type Config struct {
	// Room the coordinator shares the camera in.
	RoomID string `yaml:"room"`
	// Constraints for the local capture.
	Constraints capture.Constraints `yaml:"constraints"`
	// A link that does not receive remote media within this time is closed.
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
}

func (c Config) negotiationTimeout() time.Duration {
	if c.NegotiationTimeout <= 0 {
		return DefaultNegotiationTimeout
	}

	return c.NegotiationTimeout
}
