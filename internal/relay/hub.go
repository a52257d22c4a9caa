// Package relay is the signaling rendezvous: a websocket hub that
// fans envelopes out to every device subscribed to the same session
// topic, never inspecting payloads beyond routing fields.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

const publishBuffer = 128

type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Join subscribes a device to a session topic and blocks pumping the
// connection until it drops. The hub owns the connection from here on.
func (h *Hub) Join(sessionID string, device domain.DeviceID, conn *websocket.Conn) {
	t := h.getOrCreateTopic(sessionID)
	c := newClient(device, conn, t)
	t.add(c)
	log.Info().
		Str("module", "relay.hub").
		Str("session", sessionID).
		Str("device", string(device)).
		Msg("device joined")

	go c.writePump()
	c.readPump()

	t.remove(c)
	h.maybeDropTopic(sessionID)
	log.Info().
		Str("module", "relay.hub").
		Str("session", sessionID).
		Str("device", string(device)).
		Msg("device left")
}

func (h *Hub) getOrCreateTopic(sessionID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		return t
	}
	t := &topic{
		session: sessionID,
		publish: make(chan inbound, publishBuffer),
		clients: make(map[domain.DeviceID]*client),
		done:    make(chan struct{}),
	}
	h.topics[sessionID] = t
	go t.run()
	log.Info().Str("module", "relay.hub").Str("session", sessionID).Msg("topic created")
	return t
}

func (h *Hub) maybeDropTopic(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok || !t.empty() {
		return
	}
	close(t.done)
	delete(h.topics, sessionID)
	log.Info().Str("module", "relay.hub").Str("session", sessionID).Msg("topic dropped")
}

// TopicCount is exposed for health reporting.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

type inbound struct {
	from domain.DeviceID
	data []byte
}

// topic fans inbound frames out to every subscriber except the sender.
// A single run goroutine consumes publish, so delivery order matches
// publish order for all subscribers.
type topic struct {
	session string
	publish chan inbound

	mu      sync.RWMutex
	clients map[domain.DeviceID]*client

	done chan struct{}
}

func (t *topic) run() {
	for {
		select {
		case <-t.done:
			return
		case in := <-t.publish:
			t.fanout(in)
		}
	}
}

func (t *topic) fanout(in inbound) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(in.data, &env); err != nil {
		log.Warn().
			Err(err).
			Str("module", "relay.hub").
			Str("session", t.session).
			Msg("dropping malformed envelope")
		return
	}
	// The hub is the authority on sender identity.
	env.From = in.from
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for device, c := range t.clients {
		if device == in.from {
			continue
		}
		if env.To != "" && env.To != device {
			continue
		}
		if !c.trySend(data) {
			log.Warn().
				Str("module", "relay.hub").
				Str("session", t.session).
				Str("device", string(device)).
				Msg("subscriber too slow, dropping frame")
		}
	}
}

func (t *topic) add(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.clients[c.device]; ok {
		// A rejoin replaces the stale connection.
		prev.close()
	}
	t.clients[c.device] = c
}

func (t *topic) remove(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.clients[c.device]; ok && cur == c {
		delete(t.clients, c.device)
	}
	c.close()
}

func (t *topic) empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients) == 0
}
