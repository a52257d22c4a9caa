package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

const (
	sendBuffer   = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 45 * time.Second
	maxFrameSize = 64 << 10
)

type client struct {
	device domain.DeviceID
	conn   *websocket.Conn
	topic  *topic

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(device domain.DeviceID, conn *websocket.Conn, t *topic) *client {
	return &client{
		device: device,
		conn:   conn,
		topic:  t,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// trySend never blocks the fanout loop; a full buffer means the frame
// is dropped for this subscriber.
func (c *client) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "relay.client").Str("device", string(c.device)).Msg("read error")
			}
			return
		}
		select {
		case c.topic.publish <- inbound{from: c.device, data: data}:
		default:
			log.Warn().
				Str("module", "relay.client").
				Str("session", c.topic.session).
				Msg("topic publish buffer full, dropping frame")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay.client").Str("device", string(c.device)).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
