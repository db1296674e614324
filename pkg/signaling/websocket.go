package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// Gateway that talks to a `RelayServer` over a websocket. The relay assigns the
// connection identity and announces it in the first frame. If the connection drops,
// `Events()` is closed and the next `Connect()` dials again.
type WebsocketGateway struct {
	config Config
	logger *logrus.Entry

	mutex      sync.Mutex
	connection *websocketConnection
	closed     bool
}

type websocketConnection struct {
	conn     *websocket.Conn
	id       ParticipantID
	incoming chan Message
	outgoing chan Message
	done     chan struct{}
	stopOnce sync.Once
}

func NewWebsocketGateway(config Config, logger *logrus.Entry) *WebsocketGateway {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	return &WebsocketGateway{config: config, logger: logger}
}

func (g *WebsocketGateway) Connect(ctx context.Context) (ParticipantID, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return "", ErrGatewayClosed
	}

	if g.connection != nil && !g.connection.stopped() {
		return g.connection.id, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: g.config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, g.config.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	// The relay tells us who we are before anything else.
	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to read connection identity: %w", err)
	}

	if hello.Kind != KindConnected || hello.SocketID == "" {
		conn.Close()
		return "", fmt.Errorf("unexpected first message from relay: %s", hello.Kind)
	}

	connection := &websocketConnection{
		conn:     conn,
		id:       hello.SocketID,
		incoming: make(chan Message, sendQueueSize),
		outgoing: make(chan Message, sendQueueSize),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go g.readPump(connection)
	go g.writePump(connection)

	g.connection = connection
	g.logger.WithField("self_id", connection.id).Info("connected to signaling relay")

	return connection.id, nil
}

func (g *WebsocketGateway) Send(msg Message) error {
	g.mutex.Lock()
	connection := g.connection
	g.mutex.Unlock()

	if connection == nil || connection.stopped() {
		return ErrNotConnected
	}

	select {
	case connection.outgoing <- msg:
		return nil
	case <-connection.done:
		return ErrNotConnected
	default:
		return ErrSendQueueFull
	}
}

func (g *WebsocketGateway) Events() <-chan Message {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.connection == nil {
		return nil
	}

	return g.connection.incoming
}

func (g *WebsocketGateway) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.closed = true
	if g.connection != nil {
		g.connection.stop()
	}

	return nil
}

// Reads messages from the websocket until it fails. Closes `incoming` on exit, which is
// how the consumer learns that the transport is gone.
func (g *WebsocketGateway) readPump(c *websocketConnection) {
	defer func() {
		c.stop()
		close(c.incoming)
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.WithError(err).Warn("signaling connection lost")
			}
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// Writes queued messages to the websocket and keeps the connection alive with pings.
func (g *WebsocketGateway) writePump(c *websocketConnection) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				g.logger.WithError(err).Warn("failed to write signaling message")
				c.stop()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}

		case <-c.done:
			// Messages queued before the close (a final leave, typically) still go out.
			if g.flush(c) {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// Writes whatever is left in the send queue. Returns false if the connection broke.
func (g *WebsocketGateway) flush(c *websocketConnection) bool {
	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				g.logger.WithError(err).Debug("failed to flush signaling message")
				return false
			}
		default:
			return true
		}
	}
}

func (c *websocketConnection) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *websocketConnection) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
