package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteWait = 5 * time.Second

// StatsStream upgrades to a websocket and pushes a stats snapshot on every
// queue transition and at least once per stream interval.
func (h *Handler) StatsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, methodNotAllowed(r))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, cancel := h.stats.Subscribe()
	defer cancel()

	// Reads only to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.metrics.Increment("stream.connected")
	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(h.stats.Snapshot()); err != nil {
			h.log.WithError(err).Debug("stats stream closed")
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(streamWriteWait))
			return
		case <-changes:
		case <-ticker.C:
		}
	}
}
