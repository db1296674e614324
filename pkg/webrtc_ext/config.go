package webrtc_ext

import "time"

// Configuration of the WebRTC API used for the peer links.
type Config struct {
	// STUN server used to discover the public address. Only one is supported and no
	// TURN relay is ever configured, so two participants behind restrictive NATs
	// won't be able to connect.
	STUNServer string `yaml:"stunServer"`
	// Optional range of local UDP ports used for ICE. Both must be set to take effect.
	ICEPortMin uint16 `yaml:"icePortMin"`
	ICEPortMax uint16 `yaml:"icePortMax"`
	// Gather loopback candidates too. Only useful when all participants share a host.
	IncludeLoopback bool `yaml:"includeLoopback"`
	// How often a receiver asks the remote sender for a key frame.
	KeyFrameInterval time.Duration `yaml:"keyFrameInterval"`
}

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

const DefaultKeyFrameInterval = 3 * time.Second
