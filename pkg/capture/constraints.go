package capture

// Constraints on the local video capture. Everything is deliberately capped low:
// in a full mesh every participant uploads one copy of its stream per remote peer.
type Constraints struct {
	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	MaxWidth     int `yaml:"maxWidth"`
	MaxHeight    int `yaml:"maxHeight"`
	FrameRate    int `yaml:"frameRate"`
	MaxFrameRate int `yaml:"maxFrameRate"`
}

// Hard limits no configuration can exceed.
const (
	LimitWidth     = 640
	LimitHeight    = 480
	LimitFrameRate = 15
)

func DefaultConstraints() Constraints {
	return Constraints{
		Width:        320,
		Height:       240,
		MaxWidth:     LimitWidth,
		MaxHeight:    LimitHeight,
		FrameRate:    12,
		MaxFrameRate: LimitFrameRate,
	}
}

// Fills in the defaults for unset values and enforces the hard limits, so that the
// ideal values never exceed the maximums and the maximums never exceed the limits.
func (c Constraints) Clamp() Constraints {
	defaults := DefaultConstraints()

	c.MaxWidth = clamp(c.MaxWidth, defaults.MaxWidth, LimitWidth)
	c.MaxHeight = clamp(c.MaxHeight, defaults.MaxHeight, LimitHeight)
	c.MaxFrameRate = clamp(c.MaxFrameRate, defaults.MaxFrameRate, LimitFrameRate)

	c.Width = clamp(c.Width, defaults.Width, c.MaxWidth)
	c.Height = clamp(c.Height, defaults.Height, c.MaxHeight)
	c.FrameRate = clamp(c.FrameRate, defaults.FrameRate, c.MaxFrameRate)

	return c
}

func clamp(value, fallback, max int) int {
	if value <= 0 {
		value = fallback
	}

	if value > max {
		return max
	}

	return value
}
