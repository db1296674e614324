package signaling

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Exposes a `Relay` over websockets. Each accepted connection gets a fresh random
// identity which is sent to the client in a `connected` frame.
type RelayServer struct {
	relay    *Relay
	logger   *logrus.Entry
	upgrader websocket.Upgrader
}

func NewRelayServer(relay *Relay, logger *logrus.Entry) *RelayServer {
	return &RelayServer{
		relay:  relay,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type relayClient struct {
	id   ParticipantID
	conn *websocket.Conn
	send chan Message
	done chan struct{}
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &relayClient{
		id:   ParticipantID(uuid.NewString()),
		conn: conn,
		send: make(chan Message, sendQueueSize),
		done: make(chan struct{}),
	}

	// The identity goes out first, before the relay can route anything to the client.
	client.send <- Message{Kind: KindConnected, SocketID: client.id}
	s.relay.Register(client.id, client.deliver)

	go s.writePump(client)
	go s.readPump(client)
}

func (c *relayClient) deliver(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (s *RelayServer) readPump(c *relayClient) {
	logger := s.logger.WithField("socket_id", c.id)

	defer func() {
		s.relay.Unregister(c.id)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("relay connection lost")
			}
			return
		}

		s.relay.Dispatch(c.id, msg)
	}
}

func (s *RelayServer) writePump(c *relayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
