package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/geokatch/geokatch/internal/bus"
)

type statusBus interface {
	Subscribe(name string) (<-chan bus.StatusEvent, func())
}

// EventsHandler streams monitor status events over a websocket. Clients
// pass ?monitor=<name> to follow a single monitor; with no query they
// receive every event.
type EventsHandler struct {
	bus      statusBus
	upgrader websocket.Upgrader
}

func NewEventsHandler(b statusBus) *EventsHandler {
	return &EventsHandler{
		bus: b,
		upgrader: websocket.Upgrader{
			// Browser origins are already vetted by the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.Stream)
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(r.URL.Query().Get("monitor"))
	defer cancel()

	// Drain reads so close frames and pings are processed; incoming
	// payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("status stream write failed", "error", err)
				return
			}
		}
	}
}
