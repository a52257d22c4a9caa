package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

const writeDeadline = 5 * time.Second

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, handler func(domain.SignalEnvelope)) {
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
				}
				return
			}
			var env domain.SignalEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
				continue
			}
			if env.To != "" && env.To != c.deviceID {
				log.Debug().
					Str("module", "signal").
					Str("to", string(env.To)).
					Msg("dropping envelope for other device")
				continue
			}
			handler(env)
		}
	}
}
