package signaling

import "time"

// Configuration of the websocket signaling transport.
type Config struct {
	// Websocket URL of the relay, e.g. `wss://relay.example.org/ws`.
	URL string `yaml:"url"`
	// How long to wait for the connection (and the assigned identity) before giving up.
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

const DefaultDialTimeout = 10 * time.Second
