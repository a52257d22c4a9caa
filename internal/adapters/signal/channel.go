// Package signal is the websocket client of the session relay. One
// subscription per channel instance; envelopes addressed to other devices
// on the topic are filtered out before the handler sees them.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrNotSubscribed = errors.New("not subscribed")
)

const sendBuffer = 32

type Channel struct {
	relayURL string
	deviceID domain.DeviceID

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// NewChannel builds a client for the relay at relayURL (the websocket
// base, e.g. "ws://relay:8080/api/ws").
func NewChannel(relayURL string, deviceID domain.DeviceID) *Channel {
	return &Channel{relayURL: relayURL, deviceID: deviceID}
}

// Subscribe dials the per-session topic and starts the IO pumps. A live
// previous subscription is torn down first.
func (c *Channel) Subscribe(ctx context.Context, sessionID string, handler func(domain.SignalEnvelope)) error {
	c.Unsubscribe()

	endpoint := fmt.Sprintf("%s/%s?device=%s", c.relayURL, sessionID, url.QueryEscape(string(c.deviceID)))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	send := make(chan []byte, sendBuffer)

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.cancel = cancel
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn, send)
	go c.readPump(pumpCtx, cancel, conn, handler)

	log.Info().Str("module", "signal").Str("session", sessionID).Msg("subscribed to relay topic")
	return nil
}

// Send publishes one envelope. Fire-and-forget: a full send buffer or a
// missing subscription is reported to the caller, never retried here.
func (c *Channel) Send(_ context.Context, env domain.SignalEnvelope) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotSubscribed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Unsubscribe closes the topic connection. Idempotent.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}
