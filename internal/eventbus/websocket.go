package eventbus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ariel-frischer/specforge/internal/sequencer"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// wsMessage is the envelope a websocket subscriber receives for one
// sequencer.Event.
type wsMessage struct {
	Type    sequencer.EventType `json:"type"`
	SpecID  string              `json:"specId"`
	ChunkID string              `json:"chunkId,omitempty"`
	Message string              `json:"message,omitempty"`
}

func toWSMessage(ev sequencer.Event) wsMessage {
	return wsMessage{Type: ev.Type, SpecID: ev.SpecID, ChunkID: ev.ChunkID, Message: ev.Message}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the connection and streams every event published
// for specID on bus until the client disconnects or the request context is
// cancelled. It gives the out-of-scope HTTP layer a concrete transport for
// ServiceAPI.subscribeSpec without pulling HTTP routing into the core
// (SPEC_FULL.md §4.10).
func HandleWebSocket(bus *Bus, specID string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		send := make(chan wsMessage, wsSendBuffer)
		unsubscribe := bus.Subscribe(specID, func(ev sequencer.Event) {
			select {
			case send <- toWSMessage(ev):
			default:
				logger.Warn().Str("spec", specID).Msg("dropping event for slow websocket subscriber")
			}
		})

		done := make(chan struct{})
		go readUntilClose(conn, done)
		writePump(conn, send, done, logger)
		unsubscribe()
	}
}

// readUntilClose discards client frames (this channel is one-directional)
// and closes done when the client goes away, mirroring the read-side of the
// corpus's websocket client loop.
func readUntilClose(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan wsMessage, done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error().Err(err).Msg("marshaling event for websocket subscriber")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
