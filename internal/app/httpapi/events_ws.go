package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/verdant-network/carbon-registry/internal/app/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents upgrades the connection and pushes registry events as JSON
// frames until the client disconnects. Slow consumers drop events rather
// than block the publishers.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	feed := make(chan events.Event, 64)
	unsubscribe := h.app.Events.Subscribe(func(e events.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-feed:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
