package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/mesh"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/telemetry"
	"github.com/matrix-org/meshcam/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// meshcam configuration.
type Config struct {
	// Signaling transport configuration.
	Signaling signaling.Config `yaml:"signaling"`
	// Room and capture constraints.
	Mesh mesh.Config `yaml:"mesh"`
	// Peer connection configuration (STUN, ports).
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// Where the local video comes from.
	Capture capture.Config `yaml:"capture"`
	// Telemetry configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

var ErrInvalidConfig = errors.New("invalid config values")

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML or the values are invalid.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Signaling.DialTimeout <= 0 {
		c.Signaling.DialTimeout = signaling.DefaultDialTimeout
	}

	if c.WebRTC.STUNServer == "" {
		c.WebRTC.STUNServer = webrtc_ext.DefaultSTUNServer
	}

	if c.WebRTC.KeyFrameInterval <= 0 {
		c.WebRTC.KeyFrameInterval = webrtc_ext.DefaultKeyFrameInterval
	}

	if c.Capture.Kind == "" {
		c.Capture.Kind = capture.SourceRTP
	}

	c.Mesh.Constraints = c.Mesh.Constraints.Clamp()

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Mesh.RoomID == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidConfig)
	}

	signalingURL, err := url.Parse(c.Signaling.URL)
	if err != nil || (signalingURL.Scheme != "ws" && signalingURL.Scheme != "wss") || signalingURL.Host == "" {
		return fmt.Errorf("%w: signaling url must be a ws:// or wss:// URL", ErrInvalidConfig)
	}

	// Only one STUN server and never a relay: no TURN fallback is supported.
	if !strings.HasPrefix(c.WebRTC.STUNServer, "stun:") {
		return fmt.Errorf("%w: %w: %s", ErrInvalidConfig, webrtc_ext.ErrRelayNotSupported, c.WebRTC.STUNServer)
	}

	if (c.WebRTC.ICEPortMin == 0) != (c.WebRTC.ICEPortMax == 0) || c.WebRTC.ICEPortMin > c.WebRTC.ICEPortMax {
		return fmt.Errorf("%w: invalid ICE port range", ErrInvalidConfig)
	}

	switch c.Capture.Kind {
	case capture.SourceIVF:
		if c.Capture.Path == "" {
			return fmt.Errorf("%w: ivf capture requires a path", ErrInvalidConfig)
		}
	case capture.SourceRTP:
		if c.Capture.Address == "" {
			return fmt.Errorf("%w: rtp capture requires an address", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown capture kind %q", ErrInvalidConfig, c.Capture.Kind)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	return nil
}
