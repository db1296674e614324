package webrtc_ext

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

var ErrRelayNotSupported = errors.New("TURN relays are not supported, only a single STUN server")

// Peer connection factory is used to construct new (pre-configured) peer connections.
type PeerConnectionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	config     Config
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	iceServers, err := iceServersFromConfig(config)
	if err != nil {
		return nil, err
	}

	api, err := createWebRTCAPI(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	return &PeerConnectionFactory{api, iceServers, config}, nil
}

// Creates a peer connection with the configured API and ICE servers.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
}

// How often receivers should request a key frame from the remote sender.
func (f *PeerConnectionFactory) KeyFrameInterval() time.Duration {
	if f.config.KeyFrameInterval <= 0 {
		return DefaultKeyFrameInterval
	}

	return f.config.KeyFrameInterval
}

// Returns the ICE servers every peer connection is created with.
func (f *PeerConnectionFactory) ICEServers() []webrtc.ICEServer {
	return f.iceServers
}

func iceServersFromConfig(config Config) ([]webrtc.ICEServer, error) {
	if config.STUNServer == "" {
		return nil, nil
	}

	if !strings.HasPrefix(config.STUNServer, "stun:") {
		return nil, fmt.Errorf("%w: %s", ErrRelayNotSupported, config.STUNServer)
	}

	return []webrtc.ICEServer{{URLs: []string{config.STUNServer}}}, nil
}

// Creates Pion's WebRTC API with the default codecs and interceptors registered.
func createWebRTCAPI(config Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// Create a InterceptorRegistry. This is the user configurable RTP/RTCP
	// Pipeline. This provides NACKs, RTCP Reports and other features. If
	// `webrtc.NewPeerConnection` is used, then it is enabled by default. If
	// it's managed manually, one must create an InterceptorRegistry for each
	// PeerConnection.
	interceptor := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptor); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.ICEPortMin != 0 && config.ICEPortMax != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.ICEPortMin, config.ICEPortMax); err != nil {
			return nil, fmt.Errorf("invalid ICE port range: %w", err)
		}
	}

	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptor),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
