package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/position.report/internal/httputil"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/units"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served on the trusted LAN alongside the broker; the
	// visualisation tabs connect cross-origin from file:// pages.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamPositions upgrades to a WebSocket and pushes every successful solve
// as JSON until the client disconnects. Slow clients skip updates rather
// than backing up the tick loop.
func (s *Server) streamPositions(w http.ResponseWriter, r *http.Request) {
	u, ok := unitsParam(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'units' parameter; valid: "+units.GetValidUnitsString())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, ch := s.loc.Subscribe()
	defer s.loc.Unsubscribe(id)

	// Read pump: discard inbound frames, detect client close.
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
		case <-done:
			return
		case pos, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toResponse(pos, u)); err != nil {
				return
			}
		}
	}
}
