package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rinsane/distbuild/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The event stream is read-only observability; same-origin checks are
	// the caller's concern (a reverse proxy or auth layer in front of this
	// server), not this handler's.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveEventStream upgrades the connection and forwards every event
// published on broker to the client as JSON, until the client disconnects.
func serveEventStream(w http.ResponseWriter, r *http.Request, broker *events.Broker, logger zerolog.Logger) {
	if broker == nil {
		http.Error(w, "event stream not enabled", http.StatusNotImplemented)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
